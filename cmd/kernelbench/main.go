// kernelbench autotunes the GEMM and softmax kernels for a list of problem shapes and reports the selected
// kernels and their measured latency.
//
// By default it runs on the simulator. With -platform=cuda it uses the CUDA driver: no compiled kernels are
// bundled, so it only reports the devices and that there are no candidates.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/gomlx/gotriton/gemm"
	"github.com/gomlx/gotriton/softmax"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagPlatform    = flag.String("platform", "sim", "Driver to use: sim or cuda.")
	flagSimDevice   = flag.String("sim_device", "a100", "Simulated device: a100 or t4.")
	flagDevice      = flag.Int("device", 0, "Ordinal of the device to use.")
	flagConfig      = flag.String("config", "", "YAML file with the autotuning configuration. Environment variables GOTRITON_AUTOTUNE_* override it.")
	flagGemm        = flag.String("gemm", "64x64x64,256x256x64,64x64x1024", "Comma-separated GEMM shapes MxNxK.")
	flagGemmDType   = flag.String("gemm_dtype", "f32", "Element type of the GEMM operands: f32 or f16.")
	flagSoftmax     = flag.String("softmax", "256x1000,64x16384", "Comma-separated softmax shapes MxN.")
	flagParallel    = flag.Int("parallel", 1, "Number of problems autotuned concurrently, each on its own stream.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, address where to serve Prometheus metrics, e.g. :9090.")
	flagMetricsWait = flag.Duration("metrics_wait", 0, "Time to keep serving metrics after the benchmarks finish.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Fatalf("%+v", err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gemmShapes, err := parseShapes(*flagGemm, 3)
	if err != nil {
		return errors.WithMessage(err, "-gemm")
	}
	softmaxShapes, err := parseShapes(*flagSoftmax, 2)
	if err != nil {
		return errors.WithMessage(err, "-softmax")
	}
	gemmDType, err := parseDType(*flagGemmDType)
	if err != nil {
		return err
	}

	if *flagMetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			klog.Infof("Serving metrics on %s/metrics", *flagMetricsAddr)
			if err := http.ListenAndServe(*flagMetricsAddr, nil); err != nil {
				klog.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	api, err := newAPI()
	if err != nil {
		return err
	}
	platform, err := driver.NewPlatform(api)
	if err != nil {
		return err
	}
	fmt.Println(platform)
	for _, device := range platform.Devices() {
		fmt.Printf("  %s\n", device)
	}
	if *flagDevice < 0 || *flagDevice >= len(platform.Devices()) {
		return errors.Errorf("device %d not found, %d devices available", *flagDevice, len(platform.Devices()))
	}
	ctx, err := driver.NewContext(platform.Devices()[*flagDevice])
	if err != nil {
		return err
	}
	defer releaseOrLog(ctx.Release)

	gemmRunner, softmaxRunner, err := newRunners(ctx, cfg)
	if err != nil {
		return err
	}
	defer releaseOrLog(gemmRunner.Release)
	defer releaseOrLog(softmaxRunner.Release)

	var problems []problem
	for _, shape := range gemmShapes {
		problems = append(problems, &gemmProblem{runner: gemmRunner, dtype: gemmDType, m: shape[0], n: shape[1], k: shape[2]})
	}
	for _, shape := range softmaxShapes {
		problems = append(problems, &softmaxProblem{runner: softmaxRunner, m: shape[0], n: shape[1]})
	}
	results := make([]string, len(problems))
	var g errgroup.Group
	g.SetLimit(max(*flagParallel, 1))
	for ii, p := range problems {
		g.Go(func() error {
			result, err := runProblem(ctx, p)
			if err != nil {
				if errors.Is(err, autotune.ErrNoCandidates) {
					results[ii] = fmt.Sprintf("%-28s no kernels available: %v", p, err)
					return nil
				}
				return errors.WithMessagef(err, "%s", p)
			}
			results[ii] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, result := range results {
		fmt.Println(result)
	}
	fmt.Printf("gemm selector: %s\n", gemmRunner.Stats())
	fmt.Printf("softmax selector: %s\n", softmaxRunner.Stats())

	if *flagMetricsAddr != "" && *flagMetricsWait > 0 {
		klog.Infof("Serving metrics for %s", *flagMetricsWait)
		time.Sleep(*flagMetricsWait)
	}
	return nil
}

func loadConfig() (autotune.Config, error) {
	cfg := autotune.DefaultConfig()
	if *flagConfig != "" {
		var err error
		cfg, err = autotune.LoadConfig(*flagConfig)
		if err != nil {
			return cfg, err
		}
	}
	return cfg.ApplyEnv()
}

func newAPI() (driver.API, error) {
	switch *flagPlatform {
	case "sim":
		var spec driver.SimDeviceSpec
		switch *flagSimDevice {
		case "a100":
			spec = driver.SimA100
		case "t4":
			spec = driver.SimT4
		default:
			return nil, errors.Errorf("unknown simulated device %q", *flagSimDevice)
		}
		sim := driver.NewSimulator(spec)
		gemm.RegisterSimKernels(sim)
		softmax.RegisterSimKernels(sim)
		return sim, nil
	case "cuda":
		return driver.NewCUDA()
	default:
		return nil, errors.Errorf("unknown platform %q", *flagPlatform)
	}
}

func newRunners(ctx *driver.Context, cfg autotune.Config) (*gemm.Runner, *softmax.Runner, error) {
	if *flagPlatform != "sim" {
		gemmRunner, err := gemm.NewRunner(ctx, gemm.ProviderCUTLASS, cfg)
		if err != nil {
			return nil, nil, err
		}
		softmaxRunner, err := softmax.NewRunner(ctx, cfg)
		if err != nil {
			releaseOrLog(gemmRunner.Release)
			return nil, nil, err
		}
		return gemmRunner, softmaxRunner, nil
	}
	gemmRunner, err := gemm.NewSimRunner(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	softmaxRunner, err := softmax.NewSimRunner(ctx, cfg)
	if err != nil {
		releaseOrLog(gemmRunner.Release)
		return nil, nil, err
	}
	return gemmRunner, softmaxRunner, nil
}

// problem is one shape to autotune.
type problem interface {
	fmt.Stringer

	// allocate the operands.
	allocate(ctx *driver.Context) error

	// selectKernel autotunes the problem, after the work enqueued on stream, and returns the name of the
	// selected kernel.
	selectKernel(stream *driver.Stream) (string, error)

	// launch the selected kernel on the stream.
	launch(stream *driver.Stream) error

	release()
}

// runProblem selects the kernel of the problem and times one more launch of it.
func runProblem(ctx *driver.Context, p problem) (string, error) {
	if err := p.allocate(ctx); err != nil {
		return "", err
	}
	defer p.release()
	stream, err := driver.NewStream(ctx)
	if err != nil {
		return "", err
	}
	defer releaseOrLog(stream.Release)
	name, err := p.selectKernel(stream)
	if err != nil {
		return "", err
	}
	elapsed, err := autotune.Bench(stream, autotune.Config{Warmup: 1, Repetitions: 1, Aggregate: autotune.AggregateMin},
		func() error { return p.launch(stream) })
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%-28s %-32s %v", p, name, elapsed), nil
}

type gemmProblem struct {
	runner  *gemm.Runner
	dtype   dtypes.DType
	m, n, k int
	buffers []*driver.Buffer
	a, b, c gemm.Tensor
}

func (p *gemmProblem) String() string {
	return fmt.Sprintf("gemm %s %dx%dx%d", p.dtype.ShortName(), p.m, p.n, p.k)
}

func (p *gemmProblem) allocate(ctx *driver.Context) error {
	for _, size := range []int{p.dtype.SizeForDimensions(p.m, p.k), p.dtype.SizeForDimensions(p.k, p.n),
		p.dtype.SizeForDimensions(p.m, p.n)} {
		buf, err := driver.NewBuffer(ctx, size)
		if err != nil {
			p.release()
			return err
		}
		p.buffers = append(p.buffers, buf)
	}
	p.a = gemm.RowMajor(p.buffers[0], p.dtype, p.m, p.k)
	p.b = gemm.RowMajor(p.buffers[1], p.dtype, p.k, p.n)
	p.c = gemm.RowMajor(p.buffers[2], p.dtype, p.m, p.n)
	return nil
}

func (p *gemmProblem) selectKernel(stream *driver.Stream) (string, error) {
	op, err := p.runner.Select(stream, p.a, p.b, p.c)
	if err != nil {
		return "", err
	}
	return op.Name(), nil
}

func (p *gemmProblem) launch(stream *driver.Stream) error {
	return p.runner.Matmul(stream, p.a, p.b, p.c)
}

func (p *gemmProblem) release() {
	for _, buf := range p.buffers {
		releaseOrLog(buf.Release)
	}
	p.buffers = nil
}

type softmaxProblem struct {
	runner *softmax.Runner
	m, n   int
	buffer *driver.Buffer
	x      softmax.Matrix
}

func (p *softmaxProblem) String() string {
	return fmt.Sprintf("softmax %dx%d", p.m, p.n)
}

func (p *softmaxProblem) allocate(ctx *driver.Context) error {
	var err error
	p.buffer, err = driver.NewBuffer(ctx, 4*p.m*p.n)
	if err != nil {
		return err
	}
	p.x = softmax.NewMatrix(p.buffer, p.m, p.n)
	return nil
}

func (p *softmaxProblem) selectKernel(stream *driver.Stream) (string, error) {
	k, err := p.runner.Select(stream, p.x, p.x)
	if err != nil {
		return "", err
	}
	return k.Name(), nil
}

func (p *softmaxProblem) launch(stream *driver.Stream) error {
	return p.runner.Softmax(stream, p.x, p.x)
}

func (p *softmaxProblem) release() {
	if p.buffer != nil {
		releaseOrLog(p.buffer.Release)
		p.buffer = nil
	}
}

// parseShapes parses a comma-separated list of shapes of rank dimensions separated by "x".
func parseShapes(list string, rank int) ([][]int, error) {
	var shapes [][]int
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, "x")
		if len(parts) != rank {
			return nil, errors.Errorf("shape %q must have %d dimensions", item, rank)
		}
		shape := make([]int, rank)
		for ii, part := range parts {
			dim, err := strconv.Atoi(part)
			if err != nil || dim <= 0 {
				return nil, errors.Errorf("invalid dimension %q in shape %q", part, item)
			}
			shape[ii] = dim
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

func parseDType(name string) (dtypes.DType, error) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		if dtype.ShortName() == name {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported element type %q, use f32 or f16", name)
}

func releaseOrLog(release func() error) {
	if err := release(); err != nil {
		klog.Errorf("Release failed: %+v", err)
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
