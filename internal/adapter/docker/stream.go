package docker

import (
	"encoding/json"
	"io"

	"github.com/docker/docker/pkg/jsonmessage"
)

// drainStream renders a build or push message stream to out and returns the
// first error message the daemon sent. For pushes it also returns the
// manifest digest reported in the final aux message.
func drainStream(in io.Reader, out io.Writer) (string, error) {
	var digest string
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var pushed struct {
			Digest string `json:"Digest"`
		}
		if err := json.Unmarshal(*msg.Aux, &pushed); err == nil && pushed.Digest != "" {
			digest = pushed.Digest
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(in, out, 0, false, aux); err != nil {
		return "", err
	}
	return digest, nil
}
