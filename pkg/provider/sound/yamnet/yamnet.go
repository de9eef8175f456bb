// Package yamnet classifies audio events with a YAMNet model served by
// TensorFlow Serving's REST API.
//
// Each window is resampled to 16 kHz, converted to a float waveform and
// POSTed to /v1/models/{model}:predict. YAMNet scores every 0.48s patch
// against its 521 AudioSet classes; the client averages the patch scores
// and reports the top class.
//
// Usage:
//
//	f, _ := os.Open("yamnet_class_map.csv")
//	labels, err := yamnet.LoadClassMap(f)
//	c, err := yamnet.New("http://localhost:8501", yamnet.WithClassMap(labels))
//	ev, err := c.Classify(ctx, pcm, 48000)
package yamnet

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
)

// SampleRate is the input rate YAMNet was trained on.
const SampleRate = 16000

var _ sound.Classifier = (*Client)(nil)

// ErrClosed is returned by Classify after Close.
var ErrClosed = errors.New("yamnet: classifier closed")

// ErrNoScores is returned when the response holds no class scores at the
// configured path.
var ErrNoScores = errors.New("yamnet: response has no scores")

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the TF Serving model name. Defaults to "yamnet".
func WithModel(name string) Option {
	return func(c *Client) { c.model = name }
}

// WithScoresPath sets the gjson path of the [frames][classes] score matrix
// in the predict response. Defaults to "outputs.output_0", the first output
// of the SavedModel published on TF Hub. A flat [classes] vector is also
// accepted.
func WithScoresPath(path string) Option {
	return func(c *Client) { c.scoresPath = path }
}

// WithClassMap sets the display names indexed by class ID. IDs outside the
// map are labelled "class_<id>".
func WithClassMap(labels []string) Option {
	return func(c *Client) { c.labels = labels }
}

// WithHTTPClient replaces the default HTTP client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client is a [sound.Classifier] backed by TensorFlow Serving.
type Client struct {
	endpoint   string
	model      string
	scoresPath string
	labels     []string
	httpClient *http.Client

	mu     sync.Mutex
	closed bool
}

// New creates a Client for the TF Serving REST root at serverURL
// (e.g., "http://localhost:8501").
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("yamnet: serverURL must not be empty")
	}
	c := &Client{
		endpoint:   strings.TrimRight(serverURL, "/"),
		model:      "yamnet",
		scoresPath: "outputs.output_0",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.model == "" {
		return nil, errors.New("yamnet: model name must not be empty")
	}
	return c, nil
}

// Classify implements [sound.Classifier]. The returned Event carries no
// Offset; the caller knows where the window started.
func (c *Client) Classify(ctx context.Context, pcm []byte, sampleRate int) (sound.Event, error) {
	if c.isClosed() {
		return sound.Event{}, ErrClosed
	}
	if len(pcm) < audio.BytesPerSample {
		return sound.Event{}, errors.New("yamnet: empty window")
	}
	waveform := audio.PCM16ToFloat32(audio.ResampleMono16(pcm, sampleRate, SampleRate))

	body, err := json.Marshal(map[string]any{"inputs": waveform})
	if err != nil {
		return sound.Event{}, fmt.Errorf("yamnet: encode request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/models/%s:predict", c.endpoint, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return sound.Event{}, fmt.Errorf("yamnet: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sound.Event{}, fmt.Errorf("yamnet: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return sound.Event{}, fmt.Errorf("yamnet: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error").String()
		return sound.Event{}, fmt.Errorf("yamnet: server returned HTTP %d: %s", resp.StatusCode, msg)
	}
	if !gjson.ValidBytes(data) {
		return sound.Event{}, errors.New("yamnet: response is not valid JSON")
	}

	id, score, err := topClass(gjson.GetBytes(data, c.scoresPath))
	if err != nil {
		return sound.Event{}, err
	}
	return sound.Event{
		Label:      c.label(id),
		ClassID:    id,
		Confidence: max(0, min(1, score)),
		Time:       time.Now(),
	}, nil
}

// Close implements [sound.Classifier].
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) label(id int) string {
	if id < len(c.labels) && c.labels[id] != "" {
		return c.labels[id]
	}
	return "class_" + strconv.Itoa(id)
}

// topClass averages per-frame scores and returns the best class.
func topClass(scores gjson.Result) (int, float64, error) {
	if !scores.IsArray() {
		return 0, 0, ErrNoScores
	}
	frames := scores.Array()
	if len(frames) == 0 {
		return 0, 0, ErrNoScores
	}
	if !frames[0].IsArray() {
		frames = []gjson.Result{scores}
	}

	var mean []float64
	for _, f := range frames {
		row := f.Array()
		if mean == nil {
			mean = make([]float64, len(row))
		}
		if len(row) != len(mean) {
			return 0, 0, fmt.Errorf("yamnet: ragged score matrix (%d vs %d classes)", len(row), len(mean))
		}
		for i, v := range row {
			mean[i] += v.Float()
		}
	}
	if len(mean) == 0 {
		return 0, 0, ErrNoScores
	}

	best := 0
	for i, v := range mean {
		if v > mean[best] {
			best = i
		}
	}
	return best, mean[best] / float64(len(frames)), nil
}

// LoadClassMap reads the yamnet_class_map.csv shipped with the model
// (header "index,mid,display_name") and returns display names by index.
func LoadClassMap(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("yamnet: read class map: %w", err)
	}
	var labels []string
	for n, rec := range records {
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			if n == 0 {
				continue // header
			}
			return nil, fmt.Errorf("yamnet: class map line %d: bad index %q", n+1, rec[0])
		}
		if id < 0 {
			return nil, fmt.Errorf("yamnet: class map line %d: negative index %d", n+1, id)
		}
		for len(labels) <= id {
			labels = append(labels, "")
		}
		labels[id] = strings.TrimSpace(rec[2])
	}
	if len(labels) == 0 {
		return nil, errors.New("yamnet: class map is empty")
	}
	return labels, nil
}
