package hub

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ID is a hub identifier. The hub reports ids as JSON strings or numbers
// depending on firmware; both decode to their textual form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

type Config struct {
	Activities []ConfigActivity `json:"activity"`
	Devices    []ConfigDevice   `json:"device"`
}

type ConfigActivity struct {
	ID    ID     `json:"id"`
	Label string `json:"label"`
}

type ConfigDevice struct {
	ID           ID     `json:"id"`
	Label        string `json:"label"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Type         string `json:"type"`
}

func parseConfig(body string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
