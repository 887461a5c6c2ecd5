package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pipforge/pipforge/pkg/config"
	memdouble "github.com/pipforge/pipforge/pkg/contracts/memory"
	"github.com/pipforge/pipforge/pkg/encoding"
	"github.com/pipforge/pipforge/pkg/governor"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/pip"
	"github.com/pipforge/pipforge/pkg/pipselect"
	"github.com/pipforge/pipforge/pkg/scheduler"
)

func runMain(command *cobra.Command, arguments []string) error {
	if len(arguments) != 1 {
		return errors.New("exactly one pip graph file must be specified")
	}
	graphPath := arguments[0]

	var doc graphDocument
	if err := encoding.LoadAndUnmarshalYAML(graphPath, &doc); err != nil {
		return errors.Wrap(err, "unable to load pip graph")
	}

	paths := identity.NewPathTable()
	graph, labels, err := buildGraph(&doc, paths)
	if err != nil {
		return errors.Wrap(err, "unable to build pip graph")
	}

	cfg := &config.Configuration{}
	if runConfiguration.configPath != "" {
		cfg, err = config.Load(runConfiguration.configPath)
		if err != nil {
			return errors.Wrap(err, "unable to load configuration")
		}
	}

	spec := pipselect.Specification{LabelSelector: runConfiguration.labelSelector}
	for _, id := range runConfiguration.ids {
		spec.IDs = append(spec.IDs, uint32(id))
	}
	if len(spec.IDs) == 0 && spec.LabelSelector == "" {
		spec.All = true
	}
	if err := spec.EnsureValid(); err != nil {
		return errors.Wrap(err, "invalid pip selection")
	}

	backends := scheduler.Backends{
		Graph:       graph,
		Store:       memdouble.NewFingerprintStore(),
		CAS:         memdouble.NewContentCache(),
		FileContent: memdouble.NewFileContentManager(),
		Sandbox:     memdouble.NewSandbox(),
		Incremental: memdouble.NewIncrementalState(),
		Collector:   governor.NewLinuxCollector(),
		Paths:       paths,
		Labels:      func(id pip.ID) map[string]string { return labels[id] },
	}

	schedulerConfig := scheduler.DefaultConfig()
	schedulerConfig.Dispatch = cfg.Dispatch.Configuration()
	schedulerConfig.Cache = cfg.Cache.Configuration()
	schedulerConfig.Governor = cfg.Governor.Configuration()
	schedulerConfig.Driver = cfg.Driver.Configuration()
	schedulerConfig.DefaultExpectedMemoryBytes = cfg.Driver.ExpectedMemoryBytes()
	schedulerConfig.Scope = cfg.Scope.ApplyTo(schedulerConfig.Scope)

	s := scheduler.New(backends, schedulerConfig)

	runID := uuid.New().String()
	fmt.Printf("run %s: %d pips\n", runID, len(graph.Pips()))

	remaining := int64(len(graph.Pips()))
	done := make(chan struct{})
	var closeOnce int32
	closeDone := func() {
		if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			close(done)
		}
	}
	s.Driver().OnPipCompleted = func(id pip.ID, result pip.Result) {
		if atomic.AddInt64(&remaining, -1) <= 0 {
			closeDone()
		}
	}

	if err := s.Seed(spec); err != nil {
		return errors.Wrap(err, "unable to seed build graph")
	}

	for _, p := range graph.Pips() {
		if info, ok := s.Table().Peek(p.ID); ok && info.State().Terminal() {
			atomic.AddInt64(&remaining, -1)
		}
	}
	if atomic.LoadInt64(&remaining) <= 0 {
		closeDone()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalInterrupt := make(chan os.Signal, 1)
	signal.Notify(signalInterrupt, os.Interrupt)
	defer signal.Stop(signalInterrupt)

	go func() {
		select {
		case <-signalInterrupt:
			cancel()
		case <-done:
		}
	}()

	go func() {
		<-done
		s.Stop()
	}()

	s.Run(ctx)

	printSummary(graph, s)

	return nil
}

func printSummary(graph interface{ Pips() []*pip.Pip }, s *scheduler.Scheduler) {
	pips := graph.Pips()
	sort.Slice(pips, func(i, j int) bool { return pips[i].ID < pips[j].ID })

	fmt.Println()
	fmt.Printf("%-8s %-10s %-10s\n", "PIP", "STATE", "RESULT")
	for _, p := range pips {
		info, ok := s.Table().Peek(p.ID)
		if !ok {
			fmt.Printf("%-8d %-10s %-10s\n", p.ID, "unknown", "-")
			continue
		}
		fmt.Printf("%-8d %-10s %-10s\n", p.ID, info.State(), pip.Result(info.Result()))
	}
}

var runCommand = &cobra.Command{
	Use:   "run <graph.yaml>",
	Short: "Runs a declared pip graph to completion",
	Run:   mainify(runMain),
}

var runConfiguration struct {
	help          bool
	configPath    string
	ids           []int
	labelSelector string
}

func init() {
	flags := runCommand.Flags()
	flags.SortFlags = false
	flags.BoolVarP(&runConfiguration.help, "help", "h", false, "Show help information")

	flags.StringVar(&runConfiguration.configPath, "config", "", "Path to a scheduler configuration file")
	flags.IntSliceVar(&runConfiguration.ids, "id", nil, "Run only the specified pip IDs (default: run every pip)")
	flags.StringVar(&runConfiguration.labelSelector, "label-selector", "", "Run only pips matching the specified label selector")
}
