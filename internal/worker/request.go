package worker

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Stage names.
const (
	StageCache   = "cache"
	StageConform = "conform"
	StageExcerpt = "excerpt"
)

// DefaultSampleRows is the number of data rows an excerpt keeps.
const DefaultSampleRows = 5

// Request describes one worker invocation.
type Request struct {
	Stage        string
	DocumentPath string
	Workdir      string
	RunID        string
	SampleRows   int
	LogLevel     string
}

// Args renders r as worker subcommand arguments.
func (r Request) Args() []string {
	args := []string{
		"--stage", r.Stage,
		"--document", r.DocumentPath,
		"--workdir", r.Workdir,
		"--run-id", r.RunID,
	}
	if r.SampleRows > 0 {
		args = append(args, "--sample-rows", strconv.Itoa(r.SampleRows))
	}
	if r.LogLevel != "" {
		args = append(args, "--log-level", r.LogLevel)
	}
	return args
}

// ParseArgs is the inverse of Request.Args.
func ParseArgs(args []string) (Request, error) {
	var req Request
	flags := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVar(&req.Stage, "stage", "", "stage to run")
	flags.StringVar(&req.DocumentPath, "document", "", "side-channel document path")
	flags.StringVar(&req.Workdir, "workdir", "", "scratch workspace")
	flags.StringVar(&req.RunID, "run-id", "", "stage invocation id")
	flags.IntVar(&req.SampleRows, "sample-rows", DefaultSampleRows, "excerpt data rows")
	flags.StringVar(&req.LogLevel, "log-level", "info", "log level")
	if err := flags.Parse(args); err != nil {
		return Request{}, err
	}
	req.Stage = strings.ToLower(strings.TrimSpace(req.Stage))
	return req, req.validate()
}

func (r Request) validate() error {
	switch r.Stage {
	case StageCache, StageConform, StageExcerpt:
	case "":
		return errors.New("--stage is required")
	default:
		return errors.New("unknown stage " + strconv.Quote(r.Stage))
	}
	if r.DocumentPath == "" {
		return errors.New("--document is required")
	}
	if r.Workdir == "" {
		return errors.New("--workdir is required")
	}
	if r.RunID == "" {
		return errors.New("--run-id is required")
	}
	return nil
}
