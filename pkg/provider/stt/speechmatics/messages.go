package speechmatics

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

// Client → server message names.
const (
	msgStartRecognition    = "StartRecognition"
	msgEndOfStream         = "EndOfStream"
	msgForceEndOfUtterance = "ForceEndOfUtterance"
)

// Server → client message names.
const (
	msgRecognitionStarted   = "RecognitionStarted"
	msgAudioAdded           = "AudioAdded"
	msgAddPartialTranscript = "AddPartialTranscript"
	msgAddTranscript        = "AddTranscript"
	msgEndOfUtterance       = "EndOfUtterance"
	msgEndOfTranscript      = "EndOfTranscript"
	msgInfo                 = "Info"
	msgWarning              = "Warning"
	msgError                = "Error"
)

type audioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type transcriptionConfig struct {
	Language       string  `json:"language"`
	OperatingPoint string  `json:"operating_point,omitempty"`
	EnablePartials bool    `json:"enable_partials"`
	MaxDelay       float64 `json:"max_delay,omitempty"`
}

type startRecognition struct {
	Message             string              `json:"message"`
	AudioFormat         audioFormat         `json:"audio_format"`
	TranscriptionConfig transcriptionConfig `json:"transcription_config"`
}

type endOfStream struct {
	Message   string `json:"message"`
	LastSeqNo uint64 `json:"last_seq_no"`
}

type controlMessage struct {
	Message string `json:"message"`
}

// serverMessage is the union of every server message field we consume.
type serverMessage struct {
	Message  string `json:"message"`
	ID       string `json:"id"`
	SeqNo    uint64 `json:"seq_no"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
}

func buildStartRecognition(cfg stt.StreamConfig) ([]byte, error) {
	return json.Marshal(startRecognition{
		Message: msgStartRecognition,
		AudioFormat: audioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cfg.SampleRate,
		},
		TranscriptionConfig: transcriptionConfig{
			Language:       cfg.Language,
			OperatingPoint: cfg.OperatingPoint,
			EnablePartials: cfg.EnablePartials,
			MaxDelay:       cfg.MaxDelay.Seconds(),
		},
	})
}

func buildEndOfStream(lastSeq uint64) ([]byte, error) {
	return json.Marshal(endOfStream{Message: msgEndOfStream, LastSeqNo: lastSeq})
}

func buildControl(name string) ([]byte, error) {
	return json.Marshal(controlMessage{Message: name})
}

// parseServerMessage decodes one text frame. Returns false for payloads that
// are not JSON objects with a message name.
func parseServerMessage(data []byte) (serverMessage, bool) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil || m.Message == "" {
		return serverMessage{}, false
	}
	return m, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
