package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zfs/internal/device"
	"github.com/deploymenttheory/go-zfs/internal/parsers/labels"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
)

// PipelineConfig configures a full recovery run.
type PipelineConfig struct {
	ImagePaths []string
	OutputDir  string
	Scan       ScanConfig

	// Workers bounds expansion parallelism; 0 uses the scan worker
	// count.
	Workers int
}

// Pipeline drives the five stages end to end: brute scan, graph
// build, root expansion, graph rebuild, report.
type Pipeline struct {
	log *logrus.Logger
	cfg PipelineConfig
}

// NewPipeline builds a pipeline.
func NewPipeline(log *logrus.Logger, cfg PipelineConfig) *Pipeline {
	if cfg.Workers == 0 {
		cfg.Workers = cfg.Scan.Workers
	}
	return &Pipeline{log: log, cfg: cfg}
}

// Run executes a recovery run against the configured images and
// writes recovered content and the manifest to the output directory.
func (p *Pipeline) Run(ctx context.Context) (*Manifest, error) {
	started := time.Now().UTC()

	devices, poolLabels, err := device.OpenPool(p.cfg.ImagePaths)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	defer devices.Close()
	p.logPool(poolLabels)

	set := recovery.NewSet()
	scanner := NewScanner(set, p.log, p.cfg.Scan)

	scanTotals := ScanStats{}
	for _, vdevID := range devices.VdevIDs() {
		dev, err := devices.Device(vdevID)
		if err != nil {
			return nil, err
		}
		p.log.WithFields(logrus.Fields{"vdev": vdevID, "bytes": dev.AllocatedSize()}).
			Info("scanning device")
		stats, err := scanner.ScanDevice(ctx, dev, vdevID)
		if err != nil {
			return nil, fmt.Errorf("scan vdev %d: %w", vdevID, err)
		}
		scanTotals.BytesScanned += stats.BytesScanned
		scanTotals.WindowsTried += stats.WindowsTried
		scanTotals.WindowsAccepted += stats.WindowsAccepted
		scanTotals.FragmentsInserted += stats.FragmentsInserted
		scanTotals.Collisions += stats.Collisions
	}
	p.log.WithFields(logrus.Fields{
		"fragments": set.Len(),
		"windows":   scanTotals.WindowsTried,
		"accepted":  scanTotals.WindowsAccepted,
	}).Info("scan complete")

	_, initialStats := BuildGraph(set)
	p.log.WithFields(logrus.Fields{
		"nodes":      initialStats.Nodes,
		"edges":      initialStats.Edges,
		"unresolved": initialStats.Unresolved,
	}).Info("initial graph built")

	resolver := NewResolver(devices)
	expander := NewExpander(set, resolver, p.log, p.cfg.Workers)
	expandStats, err := expander.ExpandAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("expand roots: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"roots":         expandStats.RootsExpanded,
		"blocks":        expandStats.BlocksMaterialized,
		"unrecoverable": expandStats.Unrecoverable,
	}).Info("expansion complete")

	graph, graphStats := BuildGraph(set)
	if graphStats.Cycles > 0 {
		p.log.WithField("cycles", graphStats.Cycles).
			Warn("reference cycles detected; affected subtrees reported as-is")
	}
	p.log.WithFields(logrus.Fields{
		"nodes":      graphStats.Nodes,
		"edges":      graphStats.Edges,
		"unresolved": graphStats.Unresolved,
		"roots":      len(graph.Roots()),
	}).Info("final graph built")

	reporter := NewReporter(set, p.log, p.cfg.OutputDir)
	return reporter.Report(graph, expander.CompositeFor, Manifest{
		StartedAt: started,
		Scan:      scanTotals,
		Expand:    expandStats,
		Graph:     graphStats,
	})
}

func (p *Pipeline) logPool(poolLabels []*labels.Label) {
	if len(poolLabels) == 0 {
		p.log.Info("no readable labels; treating images as bare devices")
		return
	}
	fields := logrus.Fields{"labels": len(poolLabels)}
	if name, ok := poolLabels[0].PoolName(); ok {
		fields["pool"] = name
	}
	if ub := labels.BestUberblock(poolLabels...); ub != nil {
		fields["txg"] = ub.Txg
	}
	p.log.WithFields(fields).Info("pool labels read")
}
