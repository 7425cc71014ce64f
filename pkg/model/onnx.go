package model

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	sharedLibraryEnvVar = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

	defaultInputName  = "input"
	defaultOutputName = "probabilities"
	defaultWidth      = 2
	defaultScoreIndex = 1
)

// ONNXOptions describes the tensors of an exported classifier.
// LightGBM classifiers exported without zipmap emit a [1, 2]
// "probabilities" tensor whose second column is the malicious score.
type ONNXOptions struct {
	Library    string `yaml:"library,omitempty"`
	Input      string `yaml:"input,omitempty"`
	Output     string `yaml:"output,omitempty"`
	Width      int    `yaml:"width,omitempty"`
	ScoreIndex int    `yaml:"score_index,omitempty"`
}

func (o ONNXOptions) withDefaults() ONNXOptions {
	if o.Input == "" {
		o.Input = defaultInputName
	}
	if o.Output == "" {
		o.Output = defaultOutputName
	}
	if o.Width <= 0 {
		o.Width = defaultWidth
	}
	if o.ScoreIndex < 0 || o.ScoreIndex >= o.Width {
		o.ScoreIndex = defaultScoreIndex
	}
	return o
}

// ONNX runs a single-row ONNX session. Score calls are serialized because
// the session binds fixed input and output tensors.
type ONNX struct {
	name       string
	dim        int
	scoreIndex int

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	mu sync.Mutex
}

var ortInit sync.Mutex

func initRuntime(lib, near string) error {
	ortInit.Lock()
	defer ortInit.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if lib == "" {
		lib = resolveSharedLibraryPath(near)
	}
	if lib == "" {
		return errors.Wrapf(ErrModelLoad, "onnxruntime shared library not found; set %s or install the runtime", sharedLibraryEnvVar)
	}
	ort.SetSharedLibraryPath(lib)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(ErrModelLoad, "initialize onnxruntime: %v", err)
	}
	return nil
}

func newONNX(name string, data []byte, dim int, near string, o ONNXOptions) (*ONNX, error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrModelLoad, "%s: onnx models need a positive input dim", name)
	}
	o = o.withDefaults()

	if err := initRuntime(o.Library, near); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "%s: session options: %v", name, err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(1); err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "%s: set intra threads: %v", name, err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "%s: allocate input tensor: %v", name, err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(o.Width)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrapf(ErrModelLoad, "%s: allocate output tensor: %v", name, err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		data,
		[]string{o.Input},
		[]string{o.Output},
		[]ort.Value{input},
		[]ort.Value{output},
		opts,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(ErrModelLoad, "%s: create onnx session: %v", name, err)
	}

	return &ONNX{
		name:       name,
		dim:        dim,
		scoreIndex: o.ScoreIndex,
		session:    session,
		input:      input,
		output:     output,
	}, nil
}

func (m *ONNX) Name() string { return m.name }
func (m *ONNX) Dim() int     { return m.dim }

func (m *ONNX) Score(features []float32) (float64, error) {
	if m == nil || m.session == nil {
		return 0, errors.Wrap(ErrModel, "onnx model not initialized")
	}
	if err := checkDim(m.name, m.dim, features); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.input.GetData(), features)
	if err := m.session.Run(); err != nil {
		return 0, errors.Wrapf(ErrModel, "%s: onnx run: %v", m.name, err)
	}
	return float64(m.output.GetData()[m.scoreIndex]), nil
}

// Close releases the session and its tensors.
func (m *ONNX) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	m.session = nil
	return err
}

// resolveSharedLibraryPath searches the environment and common install locations.
func resolveSharedLibraryPath(near string) string {
	if env := strings.TrimSpace(os.Getenv(sharedLibraryEnvVar)); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		near,
		filepath.Join(near, "lib"),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
