package progress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	NoOpProgress
	updates []int64
}

func (r *recordingReporter) Update(current int64) {
	r.updates = append(r.updates, current)
}

func TestProgressReader_ReportsCumulativeBytes(t *testing.T) {
	rep := &recordingReporter{}
	counter := NewCounter(rep)

	n, err := io.Copy(io.Discard, NewProgressReader(strings.NewReader("hello"), counter))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	_, err = io.Copy(io.Discard, NewProgressReader(strings.NewReader("world!"), counter))
	require.NoError(t, err)

	assert.EqualValues(t, 11, counter.Current())
	assert.EqualValues(t, 11, rep.updates[len(rep.updates)-1])
}

func TestCLIProgress_WritesToConfiguredOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewCLIProgressTo(&buf)
	p.Start(10, "Uploading")
	p.Update(10)
	p.Finish()

	assert.Contains(t, buf.String(), "Uploading")
}
