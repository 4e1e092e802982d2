package deployment

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/internal/jsonutils"
)

// Artifact is the build output of one contract source.
type Artifact struct {
	Source    string
	ABI       abi.ABI
	RawABI    json.RawMessage
	Bytecode  []byte
	Timestamp time.Time
}

// ArtifactSource looks up build artifacts by source name.
type ArtifactSource interface {
	Artifact(source string) (Artifact, error)
}

// Artifacts is an in-memory ArtifactSource.
type Artifacts map[string]Artifact

var _ ArtifactSource = Artifacts(nil)

// Artifact implements ArtifactSource.
func (a Artifacts) Artifact(source string) (Artifact, error) {
	art, ok := a[source]
	if !ok {
		return Artifact{}, fmt.Errorf("%s: %w", source, ErrArtifactNotFound)
	}

	return art, nil
}

// artifactFile is the on-disk format of a build artifact.
type artifactFile struct {
	ABI       json.RawMessage `json:"abi"`
	Bytecode  string          `json:"bytecode"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewArtifact parses an interface and hex encoded creation bytecode.
func NewArtifact(source string, rawABI json.RawMessage, bytecode string, ts time.Time) (Artifact, error) {
	parsed, err := abi.JSON(strings.NewReader(string(rawABI)))
	if err != nil {
		return Artifact{}, fmt.Errorf("invalid abi for %s: %w", source, err)
	}

	var code []byte
	if bytecode != "" {
		if !strings.HasPrefix(bytecode, "0x") {
			bytecode = "0x" + bytecode
		}
		if code, err = hexutil.Decode(bytecode); err != nil {
			return Artifact{}, fmt.Errorf("invalid bytecode for %s: %w", source, err)
		}
	}

	return Artifact{
		Source:    source,
		ABI:       parsed,
		RawABI:    rawABI,
		Bytecode:  code,
		Timestamp: ts,
	}, nil
}

// LoadArtifacts reads every <source>.json file in dir. Each file holds "abi", "bytecode" and
// "timestamp" fields.
func LoadArtifacts(fsys fs.ReadDirFS, dir string) (Artifacts, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifacts dir %s: %w", dir, err)
	}

	readFS, ok := fsys.(fs.ReadFileFS)
	if !ok {
		return nil, errors.New("artifacts filesystem does not support reading files")
	}

	out := make(Artifacts, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}

		source := strings.TrimSuffix(e.Name(), ".json")
		file, err := jsonutils.LoadFromFS[artifactFile](readFS, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}

		art, err := NewArtifact(source, file.ABI, file.Bytecode, file.Timestamp)
		if err != nil {
			return nil, err
		}
		out[source] = art
	}

	return out, nil
}
