package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/parsers/zap"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
)

// RootReport is one root's entry in the run manifest.
type RootReport struct {
	Hash     string `json:"hash"`
	Kind     string `json:"kind"`
	Location string `json:"location"`
	Size     int    `json:"size,omitempty"`
	Output   string `json:"output,omitempty"`

	// Entries lists a directory root's recovered names.
	Entries []DirectoryEntry `json:"entries,omitempty"`

	// Files lists the serialized dnodes reachable under a container
	// root.
	Files []RootReport `json:"files,omitempty"`

	// Children is the number of verified references under the root.
	Children int `json:"children"`
}

// DirectoryEntry is one recovered directory listing entry.
type DirectoryEntry struct {
	Name     string `json:"name"`
	ObjectID uint64 `json:"object_id"`
	Type     uint8  `json:"type"`
}

// Manifest is the run summary written next to the recovered files.
type Manifest struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Scan       ScanStats    `json:"scan"`
	Expand     ExpandStats  `json:"expand"`
	Graph      GraphStats   `json:"graph"`
	Collisions []string     `json:"collisions,omitempty"`
	Roots      []RootReport `json:"roots"`
}

// Reporter is stage 5: it serializes every root's reachable content
// into the output directory and writes the run manifest.
type Reporter struct {
	set    *recovery.Set
	log    *logrus.Logger
	outDir string
}

// NewReporter builds a reporter writing into outDir.
func NewReporter(set *recovery.Set, log *logrus.Logger, outDir string) *Reporter {
	return &Reporter{set: set, log: log, outDir: outDir}
}

// Report writes recovered content and the manifest. composites maps
// dnode fragments to their assembled content (from the expander); it
// may be nil when no expansion ran.
func (r *Reporter) Report(graph *recovery.Graph, composites func(checksums.Digest) (checksums.Digest, bool),
	manifest Manifest) (*Manifest, error) {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if composites == nil {
		composites = func(checksums.Digest) (checksums.Digest, bool) { return checksums.Digest{}, false }
	}

	manifest.RunID = uuid.NewString()
	manifest.FinishedAt = time.Now().UTC()
	for _, hash := range r.set.Collisions() {
		manifest.Collisions = append(manifest.Collisions, hash.String())
	}

	for _, root := range graph.Roots() {
		f, ok := r.set.Get(root)
		if !ok {
			continue
		}
		report := RootReport{
			Hash:     f.Hash.String(),
			Kind:     f.Kind.String(),
			Location: f.Location.String(),
			Children: len(graph.Children(root)),
		}

		switch f.Kind {
		case recovery.KindFileContent:
			report.Size = len(f.Logical())
			report.Output = r.writeContent(f)

		case recovery.KindFileDNode:
			if content, ok := r.compositeFragment(f, composites); ok {
				report.Size = len(content.Logical())
				report.Output = r.writeContent(content)
			}

		case recovery.KindDirectoryDNode:
			if content, ok := r.compositeFragment(f, composites); ok {
				report.Entries = r.directoryListing(f, content)
			}
			report.Files = r.subtreeFiles(graph, root, composites)

		case recovery.KindObjsetDNode, recovery.KindObjset:
			// The objset absorbed its contained dnodes as children, so
			// none of them surface as roots of their own; serialize them
			// here.
			report.Files = r.subtreeFiles(graph, root, composites)
		}

		manifest.Roots = append(manifest.Roots, report)
	}

	path := filepath.Join(r.outDir, "manifest.json")
	data, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"run_id": manifest.RunID,
		"roots":  len(manifest.Roots),
		"out":    r.outDir,
	}).Info("report written")
	return &manifest, nil
}

// subtreeFiles serializes the file and directory dnodes reachable
// under a container root, writing each file's assembled content.
func (r *Reporter) subtreeFiles(graph *recovery.Graph, root checksums.Digest,
	composites func(checksums.Digest) (checksums.Digest, bool)) []RootReport {
	var out []RootReport
	for _, hash := range graph.Reachable(root) {
		if hash == root {
			continue
		}
		f, ok := r.set.Get(hash)
		if !ok {
			continue
		}

		sub := RootReport{
			Hash:     f.Hash.String(),
			Kind:     f.Kind.String(),
			Location: f.Location.String(),
			Children: len(graph.Children(hash)),
		}
		switch f.Kind {
		case recovery.KindFileDNode:
			content, ok := r.compositeFragment(f, composites)
			if !ok {
				continue
			}
			sub.Size = len(content.Logical())
			sub.Output = r.writeContent(content)
		case recovery.KindDirectoryDNode:
			content, ok := r.compositeFragment(f, composites)
			if !ok {
				continue
			}
			sub.Entries = r.directoryListing(f, content)
		default:
			continue
		}
		out = append(out, sub)
	}
	return out
}

// compositeFragment resolves a dnode root to its assembled content.
func (r *Reporter) compositeFragment(f *recovery.Fragment,
	composites func(checksums.Digest) (checksums.Digest, bool)) (*recovery.Fragment, bool) {
	hash, ok := composites(f.Hash)
	if !ok {
		return nil, false
	}
	return r.set.Get(hash)
}

// writeContent writes a content fragment's logical bytes, named by
// kind, content hash and originating address so reruns and duplicate
// roots land on the same name.
func (r *Reporter) writeContent(f *recovery.Fragment) string {
	name := fmt.Sprintf("%s_%s_%d_%x.bin", f.Kind, f.Hash.Short(), f.Location.VdevID, f.Location.Offset)
	path := filepath.Join(r.outDir, name)
	if err := os.WriteFile(path, f.Logical(), 0o644); err != nil {
		r.log.WithError(err).WithField("path", path).Warn("writing recovered content failed")
		return ""
	}
	return name
}

// directoryListing parses a directory's assembled ZAP content into
// manifest entries.
func (r *Reporter) directoryListing(dir, content *recovery.Fragment) []DirectoryEntry {
	if dir.DNode == nil {
		return nil
	}
	blockSize := int(dir.DNode.DataBlockSize)
	logical := content.Logical()
	if blockSize == 0 || len(logical) == 0 {
		return nil
	}

	var blocks [][]byte
	for pos := 0; pos < len(logical); pos += blockSize {
		end := pos + blockSize
		if end > len(logical) {
			end = len(logical)
		}
		blocks = append(blocks, logical[pos:end])
	}

	entries, err := zap.Parse(blocks)
	if err != nil {
		r.log.WithError(err).WithField("hash", dir.Hash.Short()).Debug("directory zap unparseable")
		return nil
	}

	out := make([]DirectoryEntry, 0, len(entries))
	for _, ent := range entries {
		out = append(out, DirectoryEntry{
			Name:     ent.Name,
			ObjectID: zap.DirectoryObjectID(ent.Value),
			Type:     zap.DirectoryEntryType(ent.Value),
		})
	}
	return out
}
