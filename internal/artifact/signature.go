package artifact

import (
	"encoding/hex"
	"encoding/json"
	"runtime"

	"github.com/zeebo/blake3"
)

// EnvSignature fingerprints the evaluation environment so results from
// different backends or agent builds are never compared by accident.
// Map keys are marshaled in sorted order, so the digest is stable.
func EnvSignature(backend, region, screen, agentVersion string) string {
	payload := map[string]string{
		"agent_version": agentVersion,
		"backend":       backend,
		"go_version":    runtime.Version(),
		"region":        region,
		"screen":        screen,
	}
	data, _ := json.Marshal(payload)
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
