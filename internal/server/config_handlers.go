package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/proxyvisor/internal/configstore"
)

const maxConfigBody = 8 << 20

func wantsYAML(c *gin.Context) bool {
	return c.Query("format") == "yaml" || strings.Contains(c.GetHeader("Accept"), "yaml")
}

func (r *Router) handleGetConfig(c *gin.Context) {
	doc, err := r.d.Store.Read(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	if wantsYAML(c) {
		b, err := configstore.Marshal(doc)
		if err != nil {
			r.fail(c, err)
			return
		}
		c.Data(http.StatusOK, "application/yaml", b)
		return
	}
	writeJSON(c, http.StatusOK, doc)
}

func (r *Router) handlePutConfig(c *gin.Context) {
	doc, err := readDocument(c)
	if err != nil {
		r.fail(c, err)
		return
	}
	if err := r.d.Store.Write(c.Request.Context(), doc); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePatchConfig(c *gin.Context) {
	patch, err := readDocument(c)
	if err != nil {
		r.fail(c, err)
		return
	}
	var merged configstore.Document
	err = r.d.Store.Update(c.Request.Context(), func(doc configstore.Document) error {
		for k, v := range patch {
			if v == nil {
				delete(doc, k)
				continue
			}
			doc[k] = v
		}
		merged = doc.Clone()
		return nil
	})
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, merged)
}

func (r *Router) handleConfigPath(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"path":       r.d.Store.Path(),
		"backup_dir": r.d.Store.Backups().Dir(),
		"exists":     r.d.Store.Exists(),
	})
}

// readDocument accepts a JSON object, or YAML when the content type says so.
// Malformed bodies are reported as configstore.ErrParse.
func readDocument(c *gin.Context) (configstore.Document, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.Join(configstore.ErrParse, errors.New("empty body"))
	}
	if strings.Contains(c.ContentType(), "yaml") {
		return configstore.Parse(body)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Join(configstore.ErrParse, err)
	}
	if m == nil {
		return nil, errors.Join(configstore.ErrParse, errors.New("body must be a JSON object"))
	}
	return configstore.Document(fromJSONNumbers(m).(map[string]any)), nil
}

// fromJSONNumbers turns json.Number into int64 or float64 so integers stay
// integers in the YAML output.
func fromJSONNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = fromJSONNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = fromJSONNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}
