package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/ent0n29/livewire/internal/audio"
)

// Wire field names follow the service's camelCase JSON mapping; the service
// also accepts snake_case, but only one convention is emitted here.

type SetupParams struct {
	Model              string
	Voice              string
	ResponseModalities []string
	SystemInstruction  string
	SafetySettings     []SafetySetting
	// TranscribeInput and TranscribeOutput ask the service for text
	// transcripts of both sides of the audio conversation.
	TranscribeInput  bool
	TranscribeOutput bool
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type setupEnvelope struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string             `json:"model"`
	GenerationConfig         *generationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction        *content           `json:"systemInstruction,omitempty"`
	SafetySettings           []SafetySetting    `json:"safetySettings,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
	SessionResumption        *sessionResumption `json:"sessionResumption,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type realtimeInputEnvelope struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []mediaChunk `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// EncodeSetup builds the first envelope of every connection. Resumption is
// always requested so the service starts issuing handles.
func EncodeSetup(p SetupParams) ([]byte, error) {
	return json.Marshal(setupEnvelope{Setup: buildSetup(p, "")})
}

// EncodeResumption builds a setup envelope that continues the session
// identified by handle.
func EncodeResumption(p SetupParams, handle string) ([]byte, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, newError("resumption handle is empty", nil)
	}
	return json.Marshal(setupEnvelope{Setup: buildSetup(p, handle)})
}

func EncodeAudioChunk(pcm []byte, sampleRate int) ([]byte, error) {
	return json.Marshal(realtimeInputEnvelope{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{
			MimeType: audio.MimeType(sampleRate),
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}})
}

func EncodeAudioStreamEnd() ([]byte, error) {
	return json.Marshal(realtimeInputEnvelope{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

func buildSetup(p SetupParams, handle string) setupBody {
	body := setupBody{
		Model:             normalizeModel(p.Model),
		SafetySettings:    p.SafetySettings,
		SessionResumption: &sessionResumption{Handle: handle},
	}

	modalities := p.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	gc := &generationConfig{ResponseModalities: modalities}
	if v := strings.TrimSpace(p.Voice); v != "" {
		gc.SpeechConfig = &speechConfig{VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: v}}}
	}
	body.GenerationConfig = gc

	if s := strings.TrimSpace(p.SystemInstruction); s != "" {
		body.SystemInstruction = &content{Parts: []textPart{{Text: s}}}
	}
	if p.TranscribeInput {
		body.InputAudioTranscription = &struct{}{}
	}
	if p.TranscribeOutput {
		body.OutputAudioTranscription = &struct{}{}
	}
	return body
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}
	if strings.HasPrefix(model, "models/") || strings.HasPrefix(model, "projects/") {
		return model
	}
	return "models/" + model
}
