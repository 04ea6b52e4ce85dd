// Package balance synthesizes augmented images so every class reaches a target size.
package balance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
)

// BalancingError reports classes that could not be balanced because they have no
// seed samples.
type BalancingError struct {
	Labels []dataset.Label
}

func (e *BalancingError) Error() string {
	names := make([]string, len(e.Labels))
	for i, l := range e.Labels {
		names[i] = string(l)
	}
	return fmt.Sprintf("cannot balance classes with no seed samples: %s", strings.Join(names, ", "))
}

// Synthesis describes one synthesized record.
type Synthesis struct {
	ID     string
	SeedID string
	// Seed drives the augmentation parameters for this sample.
	Seed uint64
}

// Plan is the full set of syntheses for a manifest. It depends only on the manifest's
// original records, the ratio and the seed.
type Plan struct {
	Target    int
	Additions map[dataset.Label][]Synthesis
	Empty     []dataset.Label
}

// Balancer grows under-represented classes by augmenting their own records.
type Balancer struct {
	// Ratio scales the largest class size to get the target, in (0, 1].
	Ratio     float64
	Seed      uint64
	Augmenter Augmenter
	Images    ImageStore
	Metrics   *metrics.Recorder
}

// Target returns ceil(ratio * largest) for the given class sizes.
func Target(counts map[dataset.Label]int, ratio float64) int {
	largest := 0
	for _, n := range counts {
		largest = max(largest, n)
	}
	// round before ceil so 0.7*10 is 7, not 8
	return int(math.Ceil(math.Round(ratio*float64(largest)*1e9) / 1e9))
}

// Plan decides which seeds to draw for every class below target. Seeds are drawn
// uniformly with replacement from the class's original records.
func (b *Balancer) Plan(m dataset.Manifest) (Plan, error) {
	if b.Ratio <= 0 || b.Ratio > 1 {
		return Plan{}, fmt.Errorf("balance ratio must be in (0, 1], got %v", b.Ratio)
	}

	originals := make(map[dataset.Label][]dataset.ImageRecord, len(m))
	counts := make(map[dataset.Label]int, len(m))
	for _, label := range m.Labels() {
		for _, rec := range m[label] {
			if !rec.Synthetic {
				originals[label] = append(originals[label], rec)
			}
		}
		counts[label] = len(originals[label])
	}

	plan := Plan{
		Target:    Target(counts, b.Ratio),
		Additions: make(map[dataset.Label][]Synthesis),
	}

	for _, label := range m.Labels() {
		seeds := originals[label]
		if len(seeds) == 0 {
			plan.Empty = append(plan.Empty, label)
			continue
		}

		missing := plan.Target - len(m[label])
		if missing <= 0 {
			continue
		}

		rng := rand.New(rand.NewPCG(b.Seed, labelHash(label)))
		ids := &rngReader{rng: rng}
		for range missing {
			seed := seeds[rng.IntN(len(seeds))]
			u, err := uuid.NewRandomFromReader(ids)
			if err != nil {
				return Plan{}, fmt.Errorf("failed to generate id: %w", err)
			}
			plan.Additions[label] = append(plan.Additions[label], Synthesis{
				ID:     fmt.Sprintf("%s_aug_%s", seed.ID, u),
				SeedID: seed.ID,
				Seed:   rng.Uint64(),
			})
		}
	}

	if len(plan.Empty) > 0 {
		return plan, &BalancingError{Labels: plan.Empty}
	}
	return plan, nil
}

// Balance returns a copy of m with synthesized records appended to every class below
// target. A *BalancingError is returned alongside the balanced manifest when some
// classes are empty; any other error means no manifest.
func (b *Balancer) Balance(m dataset.Manifest) (dataset.Manifest, error) {
	plan, planErr := b.Plan(m)
	var balErr *BalancingError
	if planErr != nil && !errors.As(planErr, &balErr) {
		return nil, planErr
	}
	if balErr != nil {
		slog.Warn("Classes have no seed samples and cannot be balanced", "labels", balErr.Labels)
	}

	slog.Info("Balancing classes", "target", plan.Target, "ratio", b.Ratio, "seed", b.Seed)

	out := m.Clone()
	for _, label := range m.Labels() {
		adds := plan.Additions[label]
		if len(adds) == 0 {
			continue
		}

		seeds := make(map[string]dataset.ImageRecord, len(m[label]))
		for _, rec := range m[label] {
			seeds[rec.ID] = rec
		}

		cache := make(map[string]*decoded)
		for _, syn := range adds {
			seed := seeds[syn.SeedID]
			src, ok := cache[seed.ID]
			if !ok {
				img, err := b.Images.Load(seed)
				src = &decoded{img: img, err: err}
				cache[seed.ID] = src
			}
			if src.err != nil {
				return nil, fmt.Errorf("failed to load seed %s: %w", seed.ID, src.err)
			}

			rng := rand.New(rand.NewPCG(syn.Seed, b.Seed))
			img := b.Augmenter.Augment(src.img, rng)

			rec, err := b.Images.Save(dataset.ImageRecord{
				ID:        syn.ID,
				LesionID:  seed.LesionID,
				Label:     label,
				Synthetic: true,
				SeedID:    seed.ID,
			}, img)
			if err != nil {
				return nil, fmt.Errorf("failed to save synthesized image %s: %w", syn.ID, err)
			}

			out[label] = append(out[label], rec)
			b.Metrics.ImageSynthesized(string(label))
		}

		slog.Debug("Balanced class", "label", label, "original", len(m[label]), "synthesized", len(adds))
	}

	if balErr != nil {
		return out, balErr
	}
	return out, nil
}

type decoded struct {
	img image.Image
	err error
}

func labelHash(l dataset.Label) uint64 {
	h := fnv.New64a()
	h.Write([]byte(l))
	return h.Sum64()
}

// rngReader adapts a seeded generator to io.Reader for uuid generation.
type rngReader struct {
	rng *rand.Rand
}

func (r *rngReader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], r.rng.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}
