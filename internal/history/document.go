package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrPersistence wraps disk read/write failures of the history document.
	ErrPersistence = errors.New("history persistence failed")
	// ErrMalformedState marks a stored timestamp that could not be parsed.
	ErrMalformedState = errors.New("malformed history state")
)

// record is the on-disk shape of one user's conversation.
type record struct {
	Messages        []Turn `json:"messages"`
	LastMessageTime string `json:"last_message_time,omitempty"`
}

type document map[string]*record

const documentSchemaJSON = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "messages": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["role", "content"],
          "properties": {
            "role": {"type": "string", "enum": ["system", "user", "assistant"]},
            "content": {"type": "string"}
          }
        }
      },
      "last_message_time": {"type": "string"}
    }
  }
}`

var documentSchema = mustCompileSchema(documentSchemaJSON)

func mustCompileSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("history: invalid document schema: %v", err))
	}
	return schema
}

// timeLayouts accepts RFC 3339 as well as naive ISO-8601 timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: last_message_time %q", ErrMalformedState, s)
}

// load reads the whole document ahead of a write. A missing, empty,
// undecodable or schema-invalid file yields an empty document; only I/O
// errors are returned. A malformed file is moved aside first so the
// following save cannot overwrite its bytes.
func (s *Store) load() (document, error) {
	return s.read(true)
}

// peek reads the document like load but never touches the file: a
// malformed document is reported and treated as empty in place.
func (s *Store) peek() (document, error) {
	return s.read(false)
}

func (s *Store) read(moveAside bool) (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return document{}, nil
	}

	malformed := s.quarantine
	if !moveAside {
		malformed = s.ignoreMalformed
	}

	result, err := documentSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		malformed(fmt.Sprintf("decode: %v", err))
		return document{}, nil
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		malformed("schema: " + strings.Join(reasons, "; "))
		return document{}, nil
	}

	doc := document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		malformed(fmt.Sprintf("decode: %v", err))
		return document{}, nil
	}
	for id, rec := range doc {
		if rec == nil {
			doc[id] = &record{}
		}
	}
	return doc, nil
}

// quarantine moves an unreadable document aside so the next save starts
// from an empty mapping without destroying the old bytes.
func (s *Store) quarantine(reason string) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixNano())
	if err := os.Rename(s.path, aside); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Str("reason", reason).Msg("history document malformed; treating as empty")
		return
	}
	s.log.Warn().Str("path", s.path).Str("moved_to", aside).Str("reason", reason).Msg("history document malformed; treating as empty")
}

func (s *Store) ignoreMalformed(reason string) {
	s.log.Warn().Str("path", s.path).Str("reason", reason).Msg("history document malformed; reading as empty")
}

// save overwrites the whole document via temp file + rename.
func (s *Store) save(doc document) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, s.path, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrPersistence, s.path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrPersistence, s.path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrPersistence, s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrPersistence, s.path, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrPersistence, s.path, err)
	}
	return nil
}
