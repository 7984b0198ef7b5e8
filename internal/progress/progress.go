// Package progress reports transfer progress as a terminal bar in batch mode
// and as nothing at all behind the HTTP server.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/shawl-hpc/shawl/internal/constants"
)

// Reporter is the interface for reporting progress of a transfer.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
}

// CLIProgress implements progress reporting for CLI mode using progress bars.
type CLIProgress struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewCLIProgressTo creates a CLI progress reporter writing to out.
func NewCLIProgressTo(out io.Writer) *CLIProgress {
	return &CLIProgress{out: out}
}

// Start initializes the progress bar with total size and description.
func (p *CLIProgress) Start(total int64, description string) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(constants.ProgressUpdateInterval),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update updates the progress bar to the current position.
func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

// Finish completes the progress bar.
func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// NoOpProgress discards progress. The server uses it for every transfer.
type NoOpProgress struct{}

// NewNoOpProgress creates a new no-op progress reporter.
func NewNoOpProgress() *NoOpProgress {
	return &NoOpProgress{}
}

func (p *NoOpProgress) Start(total int64, description string) {}
func (p *NoOpProgress) Update(current int64)                  {}
func (p *NoOpProgress) Finish()                               {}
func (p *NoOpProgress) Error(err error)                       {}

// Counter accumulates bytes across many files of one transfer and forwards
// the running total to a Reporter. Safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	reporter Reporter
	current  int64
}

// NewCounter creates a counter reporting to r.
func NewCounter(r Reporter) *Counter {
	return &Counter{reporter: r}
}

// Add records n more bytes.
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	c.current += n
	cur := c.current
	c.mu.Unlock()
	c.reporter.Update(cur)
}

// Current returns the bytes recorded so far.
func (c *Counter) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ProgressReader wraps an io.Reader to report progress.
type ProgressReader struct {
	reader  io.Reader
	counter *Counter
}

// NewProgressReader creates a new progress-reporting reader.
func NewProgressReader(reader io.Reader, counter *Counter) *ProgressReader {
	return &ProgressReader{
		reader:  reader,
		counter: counter,
	}
}

// Read implements io.Reader interface with progress reporting.
func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.counter.Add(int64(n))
	}
	return n, err
}
