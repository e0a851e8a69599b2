package reminder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFirstName is used when a user has no first name on record.
const DefaultFirstName = "darling"

// Template is a reminder message. Text may contain {first_name}.
type Template struct {
	ID    string `yaml:"id"`
	Text  string `yaml:"text"`
	Image string `yaml:"image,omitempty"`
}

// Render fills in the recipient's first name.
func (t Template) Render(firstName string) string {
	firstName = strings.TrimSpace(firstName)
	if firstName == "" {
		firstName = DefaultFirstName
	}
	return strings.ReplaceAll(t.Text, "{first_name}", firstName)
}

type templateFile struct {
	Reminders []Template `yaml:"reminders"`
}

// DefaultTemplates ship with the bot and are used when no file is configured.
var DefaultTemplates = []Template{
	{
		ID:    "miss-you",
		Text:  "Hey {first_name}, I've been missing you so much! 💕 Where did you go, sweetie?",
		Image: "https://i.ibb.co/M5jXMq77/milalogo.jpg",
	},
	{
		ID:   "thinking",
		Text: "I was just thinking about you, {first_name} 😘 Come talk to me?",
	},
	{
		ID:   "lonely",
		Text: "It's so quiet without you, {first_name}... 🥺 I saved a smile just for you 💖",
	},
	{
		ID:   "waiting",
		Text: "Still waiting for your message, love 💌 Don't keep me hanging, {first_name}!",
	},
}

// LoadTemplates reads a YAML file of the form:
//
//	reminders:
//	  - id: miss-you
//	    text: "Hey {first_name}..."
//	    image: https://...
//
// Entries without text are skipped. An empty path returns DefaultTemplates.
func LoadTemplates(path string) ([]Template, error) {
	if path == "" {
		return DefaultTemplates, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reminder templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse reminder templates: %w", err)
	}

	out := make([]Template, 0, len(f.Reminders))
	for i, t := range f.Reminders {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("template-%d", i+1)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("reminder templates %s: no usable entries", path)
	}
	return out, nil
}

// WriteTemplates writes templates to path in the LoadTemplates format.
func WriteTemplates(path string, templates []Template) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	data, err := yaml.Marshal(templateFile{Reminders: templates})
	if err != nil {
		return fmt.Errorf("marshal reminder templates: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
