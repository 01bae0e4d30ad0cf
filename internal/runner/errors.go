package runner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrTimeout is returned when a bounded command exceeds its timeout.
	ErrTimeout = errors.New("timed out")
	// ErrComposeMissing is returned by Compose when the app directory
	// has no compose file.
	ErrComposeMissing = errors.New("compose file not found")
	ErrUnsafeName     = errors.New("unsafe name")
)

// NotFoundError is returned when a binary or a script is not available.
type NotFoundError struct {
	Binary string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Binary, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// ExitError is returned when a process exits with a non-zero code. It
// carries both captured streams.
type ExitError struct {
	Command string
	Code    int
	Stdout  string
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if s := Summarize(e.Stdout, e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

const summaryLines = 5

var progressRx = []*regexp.Regexp{
	// git
	regexp.MustCompile(`^(remote: )?(Enumerating|Counting|Compressing|Receiving|Resolving|Unpacking|Total) (objects|deltas)?`),
	regexp.MustCompile(`^(remote: )?Total \d+`),
	regexp.MustCompile(`^Cloning into `),
	regexp.MustCompile(`^Updating files:`),
	// docker pull and buildkit
	regexp.MustCompile(`^#\d+ `),
	regexp.MustCompile(`^[0-9a-f]{12}: `),
	regexp.MustCompile(`(Pulling fs layer|Waiting|Downloading|Extracting|Verifying Checksum|Download complete|Pull complete|Already exists)\s*$`),
	regexp.MustCompile(`^\s*[✔⠿⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`),
	regexp.MustCompile(`^(Step \d+/\d+|\s*---> )`),
}

func isProgress(line string) bool {
	for _, rx := range progressRx {
		if rx.MatchString(line) {
			return true
		}
	}
	return false
}

// Summarize builds a short failure message out of the captured output.
// Stderr is preferred; progress chatter of git and docker is dropped and
// the last five non-blank lines are kept. When everything is chatter
// the raw tail is used.
func Summarize(stdout, stderr string) string {
	src := stderr
	if strings.TrimSpace(src) == "" {
		src = stdout
	}
	src = strings.ReplaceAll(src, "\r", "\n")
	var all, kept []string
	for line := range strings.Lines(src) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		all = append(all, line)
		if !isProgress(line) {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		kept = all
	}
	if len(kept) > summaryLines {
		kept = kept[len(kept)-summaryLines:]
	}
	return strings.Join(kept, "\n")
}
