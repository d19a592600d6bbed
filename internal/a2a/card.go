package a2a

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/HyphaGroup/portcullis/internal/config"
)

// Input MIME types every agent accepts
var defaultInputModes = []string{
	"text",
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
}

// AgentCard is the public discovery document at
// /.well-known/agent-card.json.
type AgentCard struct {
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	Version            string                    `json:"version"`
	URL                string                    `json:"url"`
	DefaultInputModes  []string                  `json:"defaultInputModes"`
	DefaultOutputModes []string                  `json:"defaultOutputModes"`
	Capabilities       CardCapabilities          `json:"capabilities"`
	Skills             []CardSkill               `json:"skills"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
}

// CardCapabilities advertises optional protocol features
type CardCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// CardSkill describes one enabled agent
type CardSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// SecurityScheme describes an accepted credential mechanism
type SecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme"`
}

// BuildCard assembles the discovery document from the enabled agents
func BuildCard(cfg *config.Config, version string) *AgentCard {
	card := &AgentCard{
		Name:               "portcullis",
		Description:        "Gateway exposing local worker agents over the A2A protocol",
		Version:            version,
		URL:                fmt.Sprintf("http://%s/a2a/jsonrpc", cfg.Server.Addr()),
		DefaultInputModes:  defaultInputModes,
		DefaultOutputModes: []string{"text"},
	}
	for _, agent := range cfg.EnabledAgents() {
		card.Skills = append(card.Skills, CardSkill{
			ID:          agent.Name,
			Name:        agent.Name,
			Description: agent.Description,
			InputModes:  defaultInputModes,
			OutputModes: []string{"text"},
		})
	}
	if cfg.Auth.Enabled() {
		card.SecuritySchemes = map[string]SecurityScheme{
			"bearer": {Type: "http", Scheme: "bearer"},
		}
	}
	return card
}

// CardHandler serves the discovery document. Public by design.
func CardHandler(card *AgentCard) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(card)
	})
}
