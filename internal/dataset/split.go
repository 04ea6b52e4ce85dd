package dataset

import (
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
)

// SplitManifest partitions every class into training and validation records.
// Images of the same lesion always land in the same partition. The split depends only
// on the manifest, fraction and seed.
func SplitManifest(m Manifest, fraction float64, seed uint64) Dataset {
	ds := Dataset{
		Train:      NewManifest(m.Labels()...),
		Validation: NewManifest(m.Labels()...),
	}

	for _, label := range m.Labels() {
		recs := m[label]
		n := len(recs)
		if n == 0 {
			continue
		}

		want := int(math.Round(fraction * float64(n)))
		if fraction > 0 && n >= 2 && want == 0 {
			want = 1
		}
		if want >= n {
			want = n - 1
		}

		groups := groupByLesion(recs)
		rng := rand.New(rand.NewPCG(seed, labelHash(label)))
		rng.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })

		val := 0
		for _, g := range groups {
			if val < want && val+len(g) <= n-1 {
				ds.Validation[label] = append(ds.Validation[label], g...)
				val += len(g)
			} else {
				ds.Train[label] = append(ds.Train[label], g...)
			}
		}

		sortRecords(ds.Train[label])
		sortRecords(ds.Validation[label])

		slog.Debug("Split class", "label", label, "train", len(ds.Train[label]), "val", len(ds.Validation[label]))
	}

	return ds
}

// groupByLesion groups records sharing a lesion id, ordered by their first image id.
func groupByLesion(recs []ImageRecord) [][]ImageRecord {
	sorted := append([]ImageRecord(nil), recs...)
	sortRecords(sorted)

	index := make(map[string]int)
	var groups [][]ImageRecord
	for _, r := range sorted {
		key := r.LesionID
		if key == "" {
			key = "image:" + r.ID
		}
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], r)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []ImageRecord{r})
	}

	sort.SliceStable(groups, func(i, j int) bool { return groups[i][0].ID < groups[j][0].ID })
	return groups
}

func labelHash(l Label) uint64 {
	h := fnv.New64a()
	h.Write([]byte(l))
	return h.Sum64()
}

// Materialize copies every record into root/<split>/<label>/ and returns the dataset
// with paths pointing at the copies.
func Materialize(ds Dataset, root string) (Dataset, error) {
	out := Dataset{}
	var err error
	if out.Train, err = materialize(ds.Train, filepath.Join(root, string(SplitTrain))); err != nil {
		return Dataset{}, err
	}
	if out.Validation, err = materialize(ds.Validation, filepath.Join(root, string(SplitValidation))); err != nil {
		return Dataset{}, err
	}
	return out, nil
}

func materialize(m Manifest, dir string) (Manifest, error) {
	out := NewManifest(m.Labels()...)
	for _, label := range m.Labels() {
		for _, rec := range m[label] {
			target := filepath.Join(dir, string(label), filepath.Base(rec.Path))
			if err := CopyFile(rec.Path, target); err != nil {
				return nil, err
			}
			rec.Path = target
			out[label] = append(out[label], rec)
		}
	}
	return out, nil
}
