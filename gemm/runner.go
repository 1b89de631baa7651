package gemm

import (
	"sync"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxAlignment is the largest alignment, in elements, considered for the problems.
const MaxAlignment = 8

// Signature identifies a GEMM problem in the autotuning cache.
//
// The layouts and the alignment are part of it because the selected operation is specific to them.
type Signature struct {
	M, N, K            int
	ElementA, ElementB dtypes.DType
	ElementC           dtypes.DType
	DeviceID           int
	ElementCompute     dtypes.DType
	ScalarMode         ScalarPointerMode
	LayoutA, LayoutB   Layout
	Alignment          int
}

// workspaceKey identifies a workspace buffer of the Runner.
type workspaceKey struct {
	stream  *driver.Stream
	purpose string
}

// Runner runs GEMMs with the fastest of its registered operations for each problem.
//
// It owns the registered operations, the selector with its benchmark stream and the device workspaces.
// It is safe for concurrent use.
type Runner struct {
	ctx      *driver.Context
	provider Provider
	cfg      autotune.Config
	registry *autotune.Registry[FunctionalKey, Operation]
	selector *autotune.Selector[Signature, Operation]

	mu      sync.Mutex
	ops     []Operation
	buffers map[workspaceKey]*driver.Buffer

	// streamLocks serialize, per stream, fetching its workspaces and enqueueing the work that uses them.
	streamLocks map[*driver.Stream]*sync.Mutex
}

// NewRunner creates a Runner for the operations of provider in ctx. Operations are added with Register.
func NewRunner(ctx *driver.Context, provider Provider, cfg autotune.Config) (*Runner, error) {
	selector, err := autotune.NewSelector[Signature, Operation]("gemm", ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		ctx:      ctx,
		provider: provider,
		cfg:      cfg,
		registry: autotune.NewRegistry[FunctionalKey, Operation](),
		selector: selector,
		buffers:  make(map[workspaceKey]*driver.Buffer),

		streamLocks: make(map[*driver.Stream]*sync.Mutex),
	}, nil
}

// NewSimRunner creates a Runner with all the operations of the simulator module, which must have been
// registered with RegisterSimKernels.
func NewSimRunner(ctx *driver.Context, cfg autotune.Config) (*Runner, error) {
	ops, err := SimOperations(ctx)
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(ctx, ProviderSimulator, cfg)
	if err != nil {
		for _, op := range ops {
			_ = op.Release()
		}
		return nil, err
	}
	r.Register(ops...)
	return r, nil
}

// Register adds operations to the runner, which takes ownership of them.
func (r *Runner) Register(ops ...Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		r.registry.Register(op.FunctionalKey(), op)
		r.ops = append(r.ops, op)
	}
}

// Stats of the autotuning cache.
func (r *Runner) Stats() autotune.Stats {
	return r.selector.Stats()
}

// Release the operations, the workspaces and the selector.
func (r *Runner) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ws := range r.buffers {
		keep(ws.Release())
	}
	clear(r.buffers)
	for _, op := range r.ops {
		keep(op.Release())
	}
	r.ops = nil
	keep(r.selector.Release())
	return firstErr
}

// Matmul computes C = A·B on the stream.
func (r *Runner) Matmul(stream *driver.Stream, a, b, c Tensor) error {
	return r.Gemm(stream, 1, a, b, 0, c, c)
}

// problem holds a GEMM ready to be run by an operation.
type problem struct {
	key  FunctionalKey
	pref autotune.PreferenceKey
	sig  Signature
	cfg  Configuration
	args Arguments

	// outputSize is the span of D in bytes.
	outputSize int
}

// Gemm computes D = alpha * A·B + beta * C on the stream. C and D can be the same tensor.
//
// The first time a problem signature is seen, the eligible operations are benchmarked on the runner's
// benchmark stream, once the work already enqueued on stream is done; afterward the selected operation is
// reused.
func (r *Runner) Gemm(stream *driver.Stream, alpha float32, a, b Tensor, beta float32, c, d Tensor) error {
	p, err := r.newProblem(a, b, c, d)
	if err != nil {
		return err
	}
	p.args.Alpha, p.args.Beta = alpha, beta
	op, err := r.selectOperation(stream, p)
	if err != nil {
		return err
	}
	return r.run(op, &p.cfg, &p.args, stream)
}

// Select returns the operation used for D = A·B, benchmarking the candidates if the problem signature is
// new. D is written by the benchmark runs, after the work already enqueued on stream is done, and Select
// waits for them.
func (r *Runner) Select(stream *driver.Stream, a, b, d Tensor) (Operation, error) {
	p, err := r.newProblem(a, b, d, d)
	if err != nil {
		return nil, err
	}
	p.args.Alpha = 1
	return r.selectOperation(stream, p)
}

func (r *Runner) selectOperation(stream *driver.Stream, p *problem) (Operation, error) {
	op, err := r.selector.Select(stream, p.sig,
		func() ([]Operation, error) { return r.candidates(p) },
		func(op Operation, benchStream *driver.Stream) error { return r.benchmarkRun(op, p, benchStream) })
	if err != nil {
		return nil, errors.WithMessagef(err, "gemm %s", p.key)
	}
	return op, nil
}

// newProblem validates the operands and builds the functional key, the preference key, the signature and
// the configuration. Column-major outputs are computed as D^T = B^T·A^T.
func (r *Runner) newProblem(a, b, c, d Tensor) (*problem, error) {
	for _, t := range []Tensor{a, b, c, d} {
		if err := t.Check(); err != nil {
			return nil, err
		}
	}
	if c.DType != d.DType || c.Shape != d.Shape {
		return nil, errors.Wrapf(ErrShapeMismatch, "C %s and D %s", c, d)
	}
	layoutC, _ := c.Layout()
	layoutD, _ := d.Layout()
	if layoutC != layoutD {
		return nil, errors.Wrapf(ErrShapeMismatch, "C is %s and D is %s", layoutC, layoutD)
	}
	if layoutD == LayoutColumnMajor {
		a, b, c, d = b.T(), a.T(), c.T(), d.T()
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k || d.Shape != [2]int{m, n} {
		return nil, errors.Wrapf(ErrShapeMismatch, "A %s, B %s, D %s", a, b, d)
	}

	layoutA, _ := a.Layout()
	layoutB, _ := b.Layout()
	lda, _ := a.LeadingDim()
	ldb, _ := b.LeadingDim()
	ldc, _ := c.LeadingDim()
	ldd, _ := d.LeadingDim()
	device := r.ctx.Device()
	p := &problem{
		key: FunctionalKey{
			Provider:       r.provider,
			Kind:           KindUniversal,
			ElementCompute: dtypes.Float32,
			ElementScalar:  dtypes.Float32,
			ElementA:       a.DType,
			LayoutA:        layoutA,
			ElementB:       b.DType,
			LayoutB:        layoutB,
			ElementC:       c.DType,
		},
		cfg:        Configuration{Mode: ModeGemm, M: m, N: n, K: k, BatchCount: 1, LDA: lda, LDB: ldb, LDC: ldc, LDD: ldd},
		args:       Arguments{A: a.Address(), B: b.Address(), C: c.Address(), D: d.Address(), ScalarMode: ScalarHost},
		outputSize: matrixSpan(LayoutRowMajor, m, n, ldd) * d.DType.Size(),
	}
	alignValues := []int{lda, ldb, ldc, ldd}
	for _, t := range []Tensor{a, b, c, d} {
		alignValues = append(alignValues, int(t.Address())/t.DType.Size())
	}
	p.pref = autotune.PreferenceKey{
		ComputeCapability: device.ComputeCapabilityCode(),
		Alignment:         autotune.AlignmentOf(MaxAlignment, alignValues...),
	}
	p.sig = Signature{
		M:              m,
		N:              n,
		K:              k,
		ElementA:       a.DType,
		ElementB:       b.DType,
		ElementC:       c.DType,
		DeviceID:       device.Ordinal(),
		ElementCompute: p.key.ElementCompute,
		ScalarMode:     p.args.ScalarMode,
		LayoutA:        layoutA,
		LayoutB:        layoutB,
		Alignment:      p.pref.Alignment,
	}
	return p, nil
}

// candidates returns the operations eligible for the problem whose workspaces fit the budgets.
func (r *Runner) candidates(p *problem) ([]Operation, error) {
	eligible, err := r.registry.Lookup(p.key, p.pref)
	if err != nil {
		return nil, err
	}
	var fitting []Operation
	var lastErr error
	for _, op := range eligible {
		err := r.cfg.CheckWorkspace(op.Name(), op.HostWorkspaceSize(&p.cfg), op.DeviceWorkspaceSize(&p.cfg))
		if err != nil {
			klog.V(1).Infof("gemm: skipping candidate: %v", err)
			lastErr = err
			continue
		}
		fitting = append(fitting, op)
	}
	if len(fitting) == 0 {
		return nil, lastErr
	}
	return fitting, nil
}

// benchmarkRun runs op for the benchmark. When beta is not zero the output goes to a scratch buffer, since
// repeated runs would otherwise accumulate into C when it is also D.
func (r *Runner) benchmarkRun(op Operation, p *problem, stream *driver.Stream) error {
	unlock := r.lockStream(stream)
	defer unlock()
	args := p.args
	if p.args.Beta != 0 {
		scratch, err := r.workspace(stream, "scratch", p.outputSize)
		if err != nil {
			return err
		}
		args.D = scratch.Address()
	}
	return r.runLocked(op, &p.cfg, &args, stream)
}

// run checks the workspace requirements of op against the budgets, initializes it and runs it.
func (r *Runner) run(op Operation, cfg *Configuration, args *Arguments, stream *driver.Stream) error {
	unlock := r.lockStream(stream)
	defer unlock()
	return r.runLocked(op, cfg, args, stream)
}

// runLocked implements run, with the lock of stream held: the workspaces can't be replaced by another
// goroutine until Initialize and Run have enqueued the work that uses them.
func (r *Runner) runLocked(op Operation, cfg *Configuration, args *Arguments, stream *driver.Stream) error {
	hostSize, deviceSize := op.HostWorkspaceSize(cfg), op.DeviceWorkspaceSize(cfg)
	if err := r.cfg.CheckWorkspace(op.Name(), hostSize, deviceSize); err != nil {
		return err
	}
	hostWorkspace := make([]byte, hostSize)
	var deviceWorkspace *driver.Buffer
	if deviceSize > 0 {
		var err error
		deviceWorkspace, err = r.workspace(stream, "device", deviceSize)
		if err != nil {
			return err
		}
	}
	if err := op.Initialize(cfg, hostWorkspace, deviceWorkspace, stream); err != nil {
		return errors.WithMessagef(err, "failed to initialize %s", op.Name())
	}
	if err := op.Run(args, hostWorkspace, deviceWorkspace, stream); err != nil {
		return errors.WithMessagef(err, "failed to run %s", op.Name())
	}
	return nil
}

// lockStream locks the workspaces of stream and returns the function that unlocks them.
func (r *Runner) lockStream(stream *driver.Stream) (unlock func()) {
	r.mu.Lock()
	mu := r.streamLocks[stream]
	if mu == nil {
		mu = &sync.Mutex{}
		r.streamLocks[stream] = mu
	}
	r.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// workspace returns the buffer of the given purpose for stream, allocated lazily and grown to at least size
// bytes. Buffers are per stream, so their reuse is ordered by the stream.
//
// The caller must hold the lock of stream (see lockStream) until the work using the buffer is enqueued.
func (r *Runner) workspace(stream *driver.Stream, purpose string, size int) (*driver.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := workspaceKey{stream: stream, purpose: purpose}
	if ws := r.buffers[key]; ws != nil && ws.Size() >= size {
		return ws, nil
	} else if ws != nil {
		// Work already enqueued on the stream may still use it.
		if err := stream.Synchronize(); err != nil {
			return nil, err
		}
		if err := ws.Release(); err != nil {
			return nil, err
		}
		delete(r.buffers, key)
	}
	ws, err := driver.NewBuffer(r.ctx, size)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate gemm %s workspace", purpose)
	}
	klog.V(2).Infof("gemm: allocated %d bytes of %s workspace for %s", size, purpose, stream)
	r.buffers[key] = ws
	return ws, nil
}
