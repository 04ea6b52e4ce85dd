package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lehigh-university-libraries/dermtune/internal/balance"
	"github.com/lehigh-university-libraries/dermtune/internal/config"
	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/hosting"
	"github.com/lehigh-university-libraries/dermtune/internal/inference"
	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
	"github.com/lehigh-university-libraries/dermtune/internal/storage"
	"github.com/lehigh-university-libraries/dermtune/internal/training"
)

type fakeTrainer struct {
	state     training.JobState
	submitted []training.JobSpec
}

func (f *fakeTrainer) Submit(ctx context.Context, spec training.JobSpec) (training.Job, error) {
	f.submitted = append(f.submitted, spec)
	return training.Job{Name: "projects/p/locations/us-central1/customJobs/42", DisplayName: spec.DisplayName}, nil
}

func (f *fakeTrainer) Status(ctx context.Context, jobName string) (training.JobStatus, error) {
	return training.JobStatus{Name: jobName, State: f.state}, nil
}

func (f *fakeTrainer) Wait(ctx context.Context, jobName string) (training.JobStatus, error) {
	return f.Status(ctx, jobName)
}

// fakeDeployment scores every sample as its true class unless invoke is set.
type fakeDeployment struct {
	mu          sync.Mutex
	invoke      func(ctx context.Context, t inference.Tensor) ([]float32, error)
	calls       int
	teardowns   int
	teardownErr error
	teardownCtx error
}

func (d *fakeDeployment) Name() string { return "fake-endpoint" }

func (d *fakeDeployment) Invoke(ctx context.Context, t inference.Tensor) ([]float32, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.invoke != nil {
		return d.invoke(ctx, t)
	}
	scores := make([]float32, len(dataset.Labels))
	scores[0] = 3
	return scores, nil
}

func (d *fakeDeployment) Teardown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardowns++
	d.teardownCtx = ctx.Err()
	return d.teardownErr
}

type fakeHost struct {
	deployment *fakeDeployment
	err        error
	deploys    int
	artifact   string
}

func (h *fakeHost) Deploy(ctx context.Context, artifactURI string, shape hosting.Shape) (hosting.Deployment, error) {
	h.deploys++
	h.artifact = artifactURI
	if h.err != nil {
		return nil, h.err
	}
	return h.deployment, nil
}

func jpegBytes(shade uint8) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for y := range 12 {
		for x := range 12 {
			img.Set(x, y, color.NRGBA{R: shade, G: uint8(x * 20), B: uint8(y * 20), A: 255})
		}
	}
	var buf bytes.Buffer
	Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
	return buf.Bytes()
}

// buildArchive writes a HAM10000-shaped zip with counts[label] images per class.
func buildArchive(path string, counts map[dataset.Label]int) {
	f, err := os.Create(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	var meta strings.Builder
	meta.WriteString("lesion_id,image_id,dx,dx_type,age,sex,localization\n")

	zw := zip.NewWriter(f)
	n := 0
	for _, label := range dataset.Labels {
		for i := range counts[label] {
			n++
			id := fmt.Sprintf("ISIC_%07d", n)
			fmt.Fprintf(&meta, "HAM_%07d,%s,%s,histo,50.0,female,back\n", n, id, label)
			w, err := zw.Create("HAM10000_images_part_1/" + id + ".jpg")
			Expect(err).NotTo(HaveOccurred())
			_, err = w.Write(jpegBytes(uint8(40 * i)))
			Expect(err).NotTo(HaveOccurred())
		}
	}
	w, err := zw.Create("HAM10000_metadata.csv")
	Expect(err).NotTo(HaveOccurred())
	_, err = w.Write([]byte(meta.String()))
	Expect(err).NotTo(HaveOccurred())
	Expect(zw.Close()).To(Succeed())
}

func testConfig(base string) *config.Config {
	return &config.Config{
		Bucket:             "derm",
		BucketPath:         "ham10000",
		BaseDir:            base,
		Extension:          ".jpg",
		ArchiveName:        "ham.zip",
		MetadataFile:       "HAM10000_metadata.csv",
		DatasetArchive:     "HAM10000.tar.gz",
		Seed:               42,
		BalanceRatio:       1,
		ValidationFraction: 0.25,
		ImageSize:          8,
		Training: config.TrainingConfig{
			MachineType:    "n1-standard-8",
			InstanceCount:  1,
			Epochs:         2,
			Backend:        "gloo",
			ContainerImage: "us-docker.pkg.dev/p/train:latest",
		},
		Hosting: config.HostingConfig{
			MachineType:  "n1-standard-4",
			ServingImage: "us-docker.pkg.dev/p/serve:latest",
			MinReplicas:  1,
		},
		Inference: config.InferenceConfig{SamplesPerClass: 1},
	}
}

var allClasses = map[dataset.Label]int{
	"akiec": 2, "bcc": 2, "bkl": 3, "df": 2, "mel": 3, "nv": 6, "vasc": 2,
}

var _ = Describe("Pipeline", func() {
	var (
		p          *Pipeline
		trainer    *fakeTrainer
		host       *fakeHost
		deployment *fakeDeployment
		bucketRoot string
	)

	setup := func(counts map[dataset.Label]int) {
		bucketRoot = GinkgoT().TempDir()
		base := GinkgoT().TempDir()

		store, err := storage.NewLocal(bucketRoot, "derm")
		Expect(err).NotTo(HaveOccurred())

		archivePath := filepath.Join(GinkgoT().TempDir(), "ham.zip")
		buildArchive(archivePath, counts)
		Expect(store.Upload(context.Background(), archivePath, "ham10000/ham.zip")).To(Succeed())

		trainer = &fakeTrainer{state: training.StateSucceeded}
		deployment = &fakeDeployment{}
		host = &fakeHost{deployment: deployment}
		p = &Pipeline{
			Config:  testConfig(base),
			Store:   store,
			Trainer: trainer,
			Host:    host,
			Metrics: metrics.New(),
		}
	}

	Context("with every class present", func() {
		BeforeEach(func() { setup(allClasses) })

		It("runs every stage and tears the endpoint down once", func() {
			report, err := p.Run(context.Background(), false)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.TotalSamples).To(Equal(len(dataset.Labels)))
			Expect(report.FailureCount).To(BeZero())
			Expect(report.CorrectCount).To(Equal(1))
			Expect(deployment.teardowns).To(Equal(1))

			Expect(trainer.submitted).To(HaveLen(1))
			spec := trainer.submitted[0]
			Expect(spec.InputURI).To(HaveSuffix("ham10000/HAM10000.tar.gz"))
			Expect(host.artifact).To(Equal(spec.ArtifactURI()))

			Expect(filepath.Join(bucketRoot, "derm", "ham10000", "HAM10000.tar.gz")).To(BeAnExistingFile())
			Expect(filepath.Join(p.Config.JobsDir(), "42.yaml")).To(BeAnExistingFile())
			entries, err := os.ReadDir(p.Config.PredictionsDir())
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("balances only the training partition", func() {
			_, err := p.Ingest(context.Background(), false)
			Expect(err).NotTo(HaveOccurred())

			res, err := p.Prepare(context.Background())
			Expect(err).NotTo(HaveOccurred())

			target := len(res.Dataset.Train["nv"])
			for _, label := range dataset.Labels {
				Expect(res.Dataset.Train[label]).To(HaveLen(target), "train %s", label)
				Expect(res.Dataset.Validation[label]).NotTo(BeEmpty(), "val %s", label)
				for _, rec := range res.Dataset.Validation[label] {
					Expect(rec.Synthetic).To(BeFalse())
				}
			}
			Expect(res.Synthesized).To(BeNumerically(">", 0))
			Expect(res.PackagePath).To(BeAnExistingFile())

			loaded, err := dataset.LoadDataset(p.Config.BalancedDir())
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Train.Total()).To(Equal(res.Dataset.Train.Total()))
		})

		It("produces the same dataset on a second run", func() {
			_, err := p.Ingest(context.Background(), false)
			Expect(err).NotTo(HaveOccurred())

			first, err := p.Prepare(context.Background())
			Expect(err).NotTo(HaveOccurred())
			second, err := p.Prepare(context.Background())
			Expect(err).NotTo(HaveOccurred())

			Expect(second.Dataset.Train.Total()).To(Equal(first.Dataset.Train.Total()))
			for _, label := range dataset.Labels {
				ids := func(recs []dataset.ImageRecord) []string {
					out := make([]string, len(recs))
					for i, r := range recs {
						out[i] = r.ID
					}
					return out
				}
				Expect(ids(second.Dataset.Train[label])).To(Equal(ids(first.Dataset.Train[label])))
			}
		})

		It("tears the endpoint down once when every inference call fails", func() {
			deployment.invoke = func(ctx context.Context, t inference.Tensor) ([]float32, error) {
				return nil, errors.New("endpoint unreachable")
			}

			report, err := p.Run(context.Background(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.FailureCount).To(Equal(report.TotalSamples))
			Expect(deployment.calls).To(Equal(report.TotalSamples))
			Expect(deployment.teardowns).To(Equal(1))
		})

		It("tears down with a live context after the run is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			deployment.invoke = func(ctx context.Context, t inference.Tensor) ([]float32, error) {
				cancel()
				return nil, ctx.Err()
			}

			_, err := p.Ingest(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			_, err = p.Prepare(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = p.Predict(ctx, "gs://derm/ham10000/output/model/")
			Expect(err).NotTo(HaveOccurred())
			Expect(deployment.teardowns).To(Equal(1))
			Expect(deployment.teardownCtx).NotTo(HaveOccurred())
		})

		It("reports teardown failures", func() {
			deployment.teardownErr = errors.New("endpoint busy")

			_, err := p.Run(context.Background(), false)
			Expect(err).To(MatchError(ContainSubstring("tear down")))
			Expect(deployment.teardowns).To(Equal(1))
		})

		It("does not deploy when training fails", func() {
			trainer.state = training.StateFailed

			_, err := p.Run(context.Background(), false)
			var failed *training.TrainingFailedError
			Expect(errors.As(err, &failed)).To(BeTrue())
			Expect(host.deploys).To(BeZero())
		})

		It("has nothing to tear down when deploy fails", func() {
			host.err = errors.New("quota exceeded")

			_, err := p.Run(context.Background(), false)
			Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
			Expect(deployment.teardowns).To(BeZero())
		})

		It("rejects an invalid job before uploading", func() {
			p.Config.Training.ContainerImage = ""

			_, err := p.Ingest(context.Background(), false)
			Expect(err).NotTo(HaveOccurred())
			_, err = p.Prepare(context.Background())
			Expect(err).NotTo(HaveOccurred())

			_, err = p.Train(context.Background())
			var rejected *training.JobRejectedError
			Expect(errors.As(err, &rejected)).To(BeTrue())
			Expect(trainer.submitted).To(BeEmpty())
			Expect(filepath.Join(bucketRoot, "derm", "ham10000", "HAM10000.tar.gz")).NotTo(BeAnExistingFile())
		})
	})

	Context("with a class missing", func() {
		BeforeEach(func() {
			counts := map[dataset.Label]int{}
			for label, n := range allClasses {
				counts[label] = n
			}
			delete(counts, "df")
			setup(counts)
		})

		It("aborts with a balancing error", func() {
			_, err := p.Run(context.Background(), false)

			var balErr *balance.BalancingError
			Expect(errors.As(err, &balErr)).To(BeTrue())
			Expect(balErr.Labels).To(ConsistOf(dataset.Label("df")))
			Expect(trainer.submitted).To(BeEmpty())
		})
	})

	Context("without an archive", func() {
		BeforeEach(func() {
			setup(allClasses)
			Expect(os.RemoveAll(filepath.Join(bucketRoot, "derm"))).To(Succeed())
		})

		It("fails ingestion", func() {
			_, err := p.Run(context.Background(), false)

			var ingestErr *dataset.IngestionError
			Expect(errors.As(err, &ingestErr)).To(BeTrue())
			Expect(ingestErr.Reason).To(Equal(dataset.ReasonMissing))
		})
	})
})

var _ = Describe("NewHost", func() {
	It("wraps an http endpoint in a static host", func() {
		cfg := testConfig(GinkgoT().TempDir())
		cfg.Endpoint = config.EndpointConfig{Kind: "http", URL: "http://localhost:8080/v1/models/dermtune:predict"}

		host, err := NewHost(context.Background(), cfg)
		Expect(err).NotTo(HaveOccurred())
		d, err := host.Deploy(context.Background(), "", hosting.Shape{})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Name()).To(Equal(cfg.Endpoint.URL))
		Expect(d.Teardown(context.Background())).To(Succeed())
	})

	It("requires a url for the http endpoint", func() {
		cfg := testConfig(GinkgoT().TempDir())
		cfg.Endpoint = config.EndpointConfig{Kind: "http"}

		_, err := NewHost(context.Background(), cfg)
		Expect(err).To(MatchError(ContainSubstring("endpoint.url")))
	})

	It("requires a project for vertex", func() {
		cfg := testConfig(GinkgoT().TempDir())
		cfg.Endpoint = config.EndpointConfig{Kind: "vertex"}
		cfg.Training.Region = "us-central1"

		_, err := NewHost(context.Background(), cfg)
		Expect(err).To(MatchError(ContainSubstring("project")))
	})
})
