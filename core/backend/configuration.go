package backend

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tinyapi/core/schema"
)

// Configuration holds the static backend configuration. Resource
// metadata itself lives in the database; this document only controls
// the outer surface.
type Configuration struct {
	// Resources restricts which registered resources are exposed. Empty
	// exposes every resource found in the resource metadata table.
	Resources []string `json:"resources"`
	// AllowedOrigins is the CORS origin list. Empty means any origin.
	AllowedOrigins []string `json:"allowed_origins"`
	// EmailReplyTo and EmailReplyToName configure the reply-to address
	// added to every outgoing email.
	EmailReplyTo     string `json:"email_reply_to"`
	EmailReplyToName string `json:"email_reply_to_name"`
}

const configurationSchemaID = "https://relabs.tech/tinyapi/configuration.json"

const configurationSchema = `{
	"$id": "https://relabs.tech/tinyapi/configuration.json",
	"type": "object",
	"properties": {
		"resources": {
			"type": "array",
			"items": { "type": "string", "minLength": 1 }
		},
		"allowed_origins": {
			"type": "array",
			"items": { "type": "string", "minLength": 1 }
		},
		"email_reply_to": { "type": "string" },
		"email_reply_to_name": { "type": "string" }
	},
	"additionalProperties": false
}`

func parseConfiguration(config string) (Configuration, error) {
	var c Configuration
	if config == "" {
		config = "{}"
	}
	validator, err := schema.NewValidator([]string{configurationSchema}, nil)
	if err != nil {
		return c, fmt.Errorf("cannot compile configuration schema: %w", err)
	}
	if err := validator.ValidateString(config, configurationSchemaID); err != nil {
		return c, fmt.Errorf("invalid backend configuration: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &c); err != nil {
		return c, fmt.Errorf("parse error in backend configuration: %w", err)
	}
	return c, nil
}

// exposes reports whether the named resource is part of the exposed
// surface.
func (c *Configuration) exposes(resource string) bool {
	if len(c.Resources) == 0 {
		return true
	}
	for _, r := range c.Resources {
		if r == resource {
			return true
		}
	}
	return false
}
