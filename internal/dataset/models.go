package dataset

import (
	"sort"
)

// Label is a HAM10000 diagnostic category.
type Label string

// The seven diagnostic categories, in class index order.
const (
	ActinicKeratosis   Label = "akiec"
	BasalCellCarcinoma Label = "bcc"
	BenignKeratosis    Label = "bkl"
	Dermatofibroma     Label = "df"
	Melanoma           Label = "mel"
	MelanocyticNevus   Label = "nv"
	VascularLesion     Label = "vasc"
)

// Labels lists every class; a label's position is its class index.
var Labels = []Label{
	ActinicKeratosis,
	BasalCellCarcinoma,
	BenignKeratosis,
	Dermatofibroma,
	Melanoma,
	MelanocyticNevus,
	VascularLesion,
}

var labelNames = map[Label]string{
	ActinicKeratosis:   "Actinic keratoses and intraepithelial carcinoma",
	BasalCellCarcinoma: "Basal cell carcinoma",
	BenignKeratosis:    "Benign keratosis-like lesions",
	Dermatofibroma:     "Dermatofibroma",
	Melanoma:           "Melanoma",
	MelanocyticNevus:   "Melanocytic nevi",
	VascularLesion:     "Vascular lesions",
}

// Index returns the class index of l, or -1 for an unknown label.
func (l Label) Index() int {
	for i, known := range Labels {
		if known == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is one of the seven known classes.
func (l Label) Valid() bool { return l.Index() >= 0 }

// Description returns the long clinical name for l.
func (l Label) Description() string {
	if name, ok := labelNames[l]; ok {
		return name
	}
	return string(l)
}

// LabelAt returns the label for a class index.
func LabelAt(idx int) (Label, bool) {
	if idx < 0 || idx >= len(Labels) {
		return "", false
	}
	return Labels[idx], true
}

// ImageRecord is a single labeled image on local disk. Records are never re-labeled.
type ImageRecord struct {
	ID       string `json:"id" parquet:"id"`
	LesionID string `json:"lesion_id,omitempty" parquet:"lesion_id"`
	Label    Label  `json:"label" parquet:"label"`
	Path     string `json:"path" parquet:"path"`

	// Synthetic records were produced by augmentation from SeedID.
	Synthetic bool   `json:"synthetic,omitempty" parquet:"synthetic"`
	SeedID    string `json:"seed_id,omitempty" parquet:"seed_id"`
}

// Manifest maps each class to its records in a stable order.
type Manifest map[Label][]ImageRecord

// NewManifest returns a manifest with an empty entry for every label given, so
// classes without samples stay visible.
func NewManifest(labels ...Label) Manifest {
	m := make(Manifest, len(labels))
	for _, l := range labels {
		m[l] = nil
	}
	return m
}

// Labels returns the manifest's classes, known labels first in class index order,
// then any others alphabetically.
func (m Manifest) Labels() []Label {
	labels := make([]Label, 0, len(m))
	for l := range m {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		a, b := labels[i].Index(), labels[j].Index()
		switch {
		case a >= 0 && b >= 0:
			return a < b
		case a >= 0:
			return true
		case b >= 0:
			return false
		default:
			return labels[i] < labels[j]
		}
	})
	return labels
}

// Counts returns the number of records per class.
func (m Manifest) Counts() map[Label]int {
	counts := make(map[Label]int, len(m))
	for l, recs := range m {
		counts[l] = len(recs)
	}
	return counts
}

// Total returns the number of records across all classes.
func (m Manifest) Total() int {
	total := 0
	for _, recs := range m {
		total += len(recs)
	}
	return total
}

// Clone returns a copy whose per-class slices can be appended to independently.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for l, recs := range m {
		out[l] = append([]ImageRecord(nil), recs...)
	}
	return out
}

// Split names a dataset partition.
type Split string

const (
	SplitTrain      Split = "train"
	SplitValidation Split = "val"
)

// Dataset is a manifest split into training and validation partitions.
type Dataset struct {
	Train      Manifest
	Validation Manifest
}
