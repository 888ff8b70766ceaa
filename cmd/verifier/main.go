package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"boundary/internal/governor"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/internal/runner"
	"boundary/internal/suite"
	"boundary/pkg/utils/logger"

	"github.com/olekukonko/tablewriter"
)

const (
	exitClean   = 0
	exitBreach  = 1
	exitFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	catalogPath := flag.String("catalog", "configs/catalog.yaml", "Path to probe catalog")
	probesFlag := flag.String("probes", "", "Comma-separated probe names to run (default all)")
	parallel := flag.Int("parallel", 0, "Probes in flight at once (0 runs sequentially)")
	timeout := flag.Duration("timeout", 0, "Overall suite timeout (0 disables it)")
	jsonOut := flag.Bool("json", false, "Emit the full report as JSON")
	helperPath := flag.String("helper", "", "Path to the probe-init helper")
	scratchRoot := flag.String("scratch", "", "Parent directory for probe scratch dirs")
	cgroupRoot := flag.String("cgroup-root", "", "Writable cgroup v2 directory")
	enableCgroup := flag.Bool("enable-cgroup", false, "Confine probes under cgroup scopes")
	seccompProfile := flag.String("seccomp", "", "Reference seccomp profile for self-checks")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *logLevel, Format: "console", ErrorPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return exitFailure
	}
	defer func() {
		_ = logger.Sync()
	}()

	cat, err := probe.Load(*catalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load probe catalog failed: %v\n", err)
		return exitFailure
	}
	if *probesFlag != "" {
		cat, err = selectProbes(cat, *probesFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitFailure
		}
	}

	gov := governor.New(governor.Config{
		CgroupRoot:   *cgroupRoot,
		EnableCgroup: *enableCgroup,
	})
	probeRunner, err := runner.New(runner.Config{
		HelperPath:     *helperPath,
		ScratchRoot:    *scratchRoot,
		SeccompProfile: *seccompProfile,
	}, gov)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init probe runner failed: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	orch := suite.New(probeRunner, suite.Options{Parallel: *parallel})
	report, err := orch.Execute(ctx, cat)
	if err != nil && len(report.Verdicts) == 0 {
		fmt.Fprintf(os.Stderr, "suite execution failed: %v\n", err)
		return exitFailure
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "suite stopped early: %v\n", err)
	}

	if *jsonOut {
		if err := writeJSON(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode report failed: %v\n", err)
			return exitFailure
		}
	} else {
		renderReport(report)
	}

	if report.BreachCount() > 0 {
		return exitBreach
	}
	return exitClean
}

// selectProbes keeps the requested subset in catalog order.
func selectProbes(cat probe.Catalog, raw string) (probe.Catalog, error) {
	requested := map[string]bool{}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := cat.Find(name); !ok {
			return probe.Catalog{}, fmt.Errorf("unknown probe: %s", name)
		}
		requested[name] = true
	}
	if len(requested) == 0 {
		return probe.Catalog{}, fmt.Errorf("no probes selected")
	}
	subset := probe.Catalog{Probes: make([]probe.Descriptor, 0, len(requested))}
	for _, d := range cat.Probes {
		if requested[d.Name] {
			subset.Probes = append(subset.Probes, d)
		}
	}
	return subset, nil
}

func writeJSON(report result.SuiteReport) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func renderReport(report result.SuiteReport) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Probe", "Category", "Class", "Wall (ms)", "Evidence")
	for i, v := range report.Verdicts {
		wall := ""
		if i < len(report.Results) {
			wall = strconv.FormatInt(report.Results[i].Usage.WallTimeMs, 10)
		}
		_ = table.Append([]string{v.Probe, string(v.Category), string(v.Class), wall, trimEvidence(v.Evidence)})
	}
	_ = table.Render()

	fmt.Printf("\ncontained=%d breach=%d inconclusive=%d\n",
		report.Totals.Contained, report.Totals.Breach, report.Totals.Inconclusive)
	if report.Degraded {
		fmt.Println("degraded: harness-side failures were observed, read with reduced confidence")
	}
	if len(report.CapabilityGaps) > 0 {
		fmt.Printf("unenforced: %s\n", strings.Join(report.CapabilityGaps, ", "))
	}
}

func trimEvidence(evidence string) string {
	evidence = strings.ReplaceAll(evidence, "\n", " ")
	if len(evidence) > 72 {
		return evidence[:72] + "..."
	}
	return evidence
}
