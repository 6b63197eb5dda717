package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/spf13/cobra"
)

// CobraProfiler adds --cpu-profile, --mem-profile and --timing to a command.
type CobraProfiler struct {
	cpuProfilePath string
	memProfilePath string
	timing         bool

	cpuFile  *os.File
	finished sync.Once
}

func NewCobraProfiler() *CobraProfiler {
	return &CobraProfiler{}
}

// AddFlags registers the profiling flags as persistent flags of cmd.
func (p *CobraProfiler) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&p.cpuProfilePath, "cpu-profile", "", "Write a CPU profile to this file")
	cmd.PersistentFlags().StringVar(&p.memProfilePath, "mem-profile", "", "Write a heap profile to this file on exit")
	cmd.PersistentFlags().BoolVar(&p.timing, "timing", false, "Print how long each session phase took")
}

// PreRun starts profiling; use it as PersistentPreRunE.
func (p *CobraProfiler) PreRun(cmd *cobra.Command, args []string) error {
	if p.timing {
		Enable()
	}
	if p.cpuProfilePath == "" {
		return nil
	}
	f, err := os.Create(p.cpuProfilePath)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("could not start CPU profile: %w", err)
	}
	p.cpuFile = f
	return nil
}

// PostRun writes the profiles and the timing summary. Cobra skips
// post-run hooks when RunE fails, so callers also invoke it on that path;
// only the first call does anything.
func (p *CobraProfiler) PostRun(cmd *cobra.Command, args []string) {
	p.finished.Do(func() {
		out := cmd.ErrOrStderr()
		if p.cpuFile != nil {
			pprof.StopCPUProfile()
			p.cpuFile.Close()
			fmt.Fprintf(out, "CPU profile written to %s\n", p.cpuProfilePath)
		}

		if p.memProfilePath != "" {
			if err := writeHeapProfile(p.memProfilePath); err != nil {
				fmt.Fprintf(out, "could not write memory profile: %v\n", err)
			} else {
				fmt.Fprintf(out, "Memory profile written to %s\n", p.memProfilePath)
			}
		}

		if p.timing {
			Summarize(out)
		}
	})
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	runtime.GC()
	return pprof.WriteHeapProfile(f)
}
