package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// ONNXOptions configure an in-process CLIP vision encoder.
type ONNXOptions struct {
	ModelPath string
	// LibraryPath points at libonnxruntime; empty uses the platform default.
	LibraryPath string
	// EmbeddingsPath is a JSON object mapping prompt text to its text
	// embedding, exported alongside the model.
	EmbeddingsPath string
	// BatchSize is the fixed batch every session run is padded to.
	BatchSize int
	Prompts   Prompts
}

// ONNXBackend embeds frames with a CLIP image encoder exported to ONNX
// (pixel_values -> image_embeds) and compares them with precomputed prompt
// embeddings by cosine similarity.
type ONNXBackend struct {
	logger   zerolog.Logger
	session  *ort.DynamicAdvancedSession
	batch    int
	dim      int
	positive [][]float32
	negative [][]float32

	mu sync.Mutex
}

func NewONNXBackend(logger zerolog.Logger, opts ONNXOptions) (*ONNXBackend, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}

	embeddings, err := loadEmbeddings(opts.EmbeddingsPath)
	if err != nil {
		return nil, err
	}
	positive, err := pickEmbeddings(embeddings, opts.Prompts.Positive)
	if err != nil {
		return nil, err
	}
	negative, err := pickEmbeddings(embeddings, opts.Prompts.Negative)
	if err != nil {
		return nil, err
	}
	dim := len(positive[0])
	for _, e := range append(append([][]float32{}, positive...), negative...) {
		if len(e) != dim {
			return nil, fmt.Errorf("prompt embeddings disagree on dimension: %d vs %d", len(e), dim)
		}
	}

	ortOnce.Do(func() {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	if ortErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", ortErr)
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{"pixel_values"}, []string{"image_embeds"}, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Info().
		Str("model", opts.ModelPath).
		Int("batch", opts.BatchSize).
		Int("dim", dim).
		Int("positive_prompts", len(positive)).
		Int("negative_prompts", len(negative)).
		Msg("onnx scorer loaded")

	return &ONNXBackend{
		logger:   logger.With().Str("component", "onnx").Logger(),
		session:  session,
		batch:    opts.BatchSize,
		dim:      dim,
		positive: positive,
		negative: negative,
	}, nil
}

// Judge runs frames through the encoder in fixed-size batches. Short batches
// are zero padded so every frame sees the same graph shape.
func (o *ONNXBackend) Judge(ctx context.Context, frames []image.Image) ([]Judgement, error) {
	out := make([]Judgement, 0, len(frames))
	for i := 0; i < len(frames); i += o.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := frames[i:min(i+o.batch, len(frames))]
		embeds, err := o.embed(chunk)
		if err != nil {
			return nil, err
		}
		for _, e := range embeds {
			out = append(out, judge(e, o.positive, o.negative))
		}
	}
	return out, nil
}

func (o *ONNXBackend) embed(frames []image.Image) ([][]float32, error) {
	plane := 3 * InputSize * InputSize
	pixels := make([]float32, o.batch*plane)
	for i, f := range frames {
		copy(pixels[i*plane:], Preprocess(f))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	in, err := ort.NewTensor(ort.NewShape(int64(o.batch), 3, InputSize, InputSize), pixels)
	if err != nil {
		return nil, fmt.Errorf("pixel tensor: %w", err)
	}
	defer in.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(o.batch), int64(o.dim)))
	if err != nil {
		return nil, fmt.Errorf("embedding tensor: %w", err)
	}
	defer outT.Destroy()

	if err := o.session.Run([]ort.Value{in}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	flat := outT.GetData()
	embeds := make([][]float32, len(frames))
	for i := range frames {
		e := make([]float32, o.dim)
		copy(e, flat[i*o.dim:(i+1)*o.dim])
		embeds[i] = normalize(e)
	}
	return embeds, nil
}

func (o *ONNXBackend) Close() error {
	o.logger.Info().Msg("closing onnx session")
	return o.session.Destroy()
}

func loadEmbeddings(path string) (map[string][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt embeddings: %w", err)
	}
	var m map[string][]float32
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse prompt embeddings: %w", err)
	}
	return m, nil
}

func pickEmbeddings(all map[string][]float32, prompts []string) ([][]float32, error) {
	if len(prompts) == 0 {
		return nil, fmt.Errorf("empty prompt set")
	}
	out := make([][]float32, 0, len(prompts))
	for _, p := range prompts {
		e, ok := all[p]
		if !ok || len(e) == 0 {
			return nil, fmt.Errorf("no embedding for prompt %q", p)
		}
		out = append(out, normalize(append([]float32(nil), e...)))
	}
	return out, nil
}

// normalize scales v to unit length in place.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

func judge(embed []float32, positive, negative [][]float32) Judgement {
	return Judgement{
		Positive: maxSimilarity(embed, positive),
		Negative: maxSimilarity(embed, negative),
	}
}

// maxSimilarity is the largest dot product of unit vector v with any of set.
func maxSimilarity(v []float32, set [][]float32) float64 {
	best := math.Inf(-1)
	for _, s := range set {
		var dot float64
		for i := range v {
			dot += float64(v[i]) * float64(s[i])
		}
		best = math.Max(best, dot)
	}
	return best
}
