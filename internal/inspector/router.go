// Package inspector implements the read-only HTTP surface described in
// spec §6: list keyspaces, stream rows out of one by class/name with
// key/prefix/range filters, report per-keyspace size/metadata, and trigger
// compaction. It works at the raw key-value level below any particular
// component's row format, decoding what it can with keycodec and falling
// back to a hex dump otherwise — the same "decode best-effort, degrade to
// raw bytes" posture pkg/fmtt's error-chain dumper takes for values it
// doesn't recognize.
package inspector

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/docdbgo/docdb/internal/keycodec"
	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"github.com/docdbgo/docdb/pkg/fmtt"
	"github.com/docdbgo/docdb/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Inspector serves the read-only debug surface over one engine/keyspace
// pair. It never mutates the store except via Compact.
type Inspector struct {
	eng kvengine.Engine
	ks  *keyspace.Manager
	log *zap.Logger
}

// New builds an Inspector over eng/ks.
func New(eng kvengine.Engine, ks *keyspace.Manager, log *zap.Logger) *Inspector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inspector{eng: eng, ks: ks, log: log.Named("inspector")}
}

// Register installs the inspector's routes onto r.
func (ins *Inspector) Register(r gin.IRouter) {
	r.GET("/db/", ins.listKeyspaces)
	r.GET("/db/:class/:name", ins.browseKeyspace)
	r.GET("/db/:class/:name/info", ins.keyspaceInfo)
	r.POST("/compact", ins.compact)
}

type keyspaceView struct {
	Kid   byte   `json:"kid"`
	Class byte   `json:"class"`
	Name  string `json:"name"`
}

func (ins *Inspector) listKeyspaces(c *gin.Context) {
	entries, err := ins.ks.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	out := make([]keyspaceView, 0, len(entries))
	for _, e := range entries {
		out = append(out, keyspaceView{Kid: e.Kid, Class: e.Class, Name: e.Name})
	}
	c.JSON(http.StatusOK, out)
}

// findEntry resolves the :class/:name path params to an allocated
// keyspace.Entry, or writes a 404 and returns ok=false.
func (ins *Inspector) findEntry(c *gin.Context) (keyspace.Entry, bool) {
	classN, err := strconv.Atoi(c.Param("class"))
	if err != nil || classN < 0 || classN > 255 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid class"})
		return keyspace.Entry{}, false
	}
	name := c.Param("name")

	entries, err := ins.ks.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return keyspace.Entry{}, false
	}
	for _, e := range entries {
		if e.Class == byte(classN) && e.Name == name {
			return e, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"message": "keyspace not found"})
	return keyspace.Entry{}, false
}

func (ins *Inspector) keyspaceInfo(c *gin.Context) {
	e, ok := ins.findEntry(c)
	if !ok {
		return
	}
	size, err := ins.ks.ApproximateSize(e.Kid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	var meta json.RawMessage
	if found, err := ins.ks.GetMetadata(e.Kid, &meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	} else if !found {
		meta = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"kid":      e.Kid,
		"size":     size,
		"metadata": meta,
	})
}

// compactRequest optionally scopes POST /compact to a sub-range; an empty
// body compacts the whole store.
type compactRequest struct {
	From any `json:"from"`
	To   any `json:"to"`
}

func (ins *Inspector) compact(c *gin.Context) {
	var from, to []byte
	if c.Request.ContentLength > 0 {
		var req compactRequest
		if err := jsonx.ParseJSONObject(c.Request.Body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if req.From != nil {
			from = keycodec.Encode(nil, req.From)
		}
		if req.To != nil {
			to = keycodec.Encode(nil, req.To)
		}
	}

	if err := ins.eng.CompactRange(from, to); err != nil {
		ins.log.Error("compact failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "compacted"})
}

// rowView is one decoded (key, value) pair as the browse endpoint renders
// it: Key is what follows the keyspace id byte, decoded component by
// component where keycodec recognizes a tag and left as a hex string for
// whatever it can't (row kinds that aren't plain keycodec-encoded values,
// such as view's composite forward rows).
type rowView struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Raw   string          `json:"raw,omitempty"`
}

func decodeKeyTail(tail []byte) string {
	var parts []any
	for len(tail) > 0 {
		v, n, err := keycodec.Decode(tail)
		if err != nil || n == 0 {
			return fmt.Sprintf("%x", tail)
		}
		parts = append(parts, v)
		tail = tail[n:]
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprintf("%x", tail)
	}
	return string(b)
}

// browseTemplate renders the same rows the JSON path returns as a minimal
// HTML table (original_source/src/docdblib/inspector_html.cpp's "Table"
// format view, reduced from a client-side single-page app to one
// server-rendered page): a row per key, the value or raw dump alongside it.
var browseTemplate = template.Must(template.New("browse").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Class}}/{{.Name}}</title>
<style>
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; vertical-align: top; }
th { background: #eee; }
td.value { font-family: monospace; white-space: pre-wrap; }
</style>
</head>
<body>
<h1>{{.Class}} / {{.Name}}</h1>
<table>
<tr><th>Key</th><th>Value</th></tr>
{{range .Rows}}<tr><td>{{.Key}}</td><td class="value">{{.Cell}}</td></tr>
{{end}}
</table>
</body>
</html>`))

type browseRow struct {
	Key  string
	Cell string
}

type browsePage struct {
	Class byte
	Name  string
	Rows  []browseRow
}

func (ins *Inspector) browseKeyspace(c *gin.Context) {
	e, ok := ins.findEntry(c)
	if !ok {
		return
	}

	q := c.Request.URL.Query()
	descending := q.Get("descending") == "1" || q.Get("descending") == "true"
	wantRaw := q.Get("raw") == "1" || q.Get("raw") == "true"
	includeUpper := q.Get("include_upper") == "1" || q.Get("include_upper") == "true"
	wantHTML := q.Get("format") == "html"

	offset, _ := strconv.Atoi(q.Get("offset"))
	limit := 100
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}

	rng, err := resolveRange(e.Kid, q, includeUpper, descending)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	it := ins.eng.NewIterator(rng)
	defer it.Close()

	var rows []rowView
	skipped := 0
	for it.Valid() && len(rows) < limit {
		key, value := it.Key(), it.Value()
		if skipped < offset {
			skipped++
			it.Next()
			continue
		}
		tail := key
		if len(tail) > 0 {
			tail = tail[1:]
		}
		row := rowView{Key: decodeKeyTail(tail)}
		if wantRaw {
			row.Raw = fmtt.Sdump(key, value)
		} else if json.Valid(value) {
			row.Value = json.RawMessage(value)
		} else {
			row.Raw = fmtt.Sdump(value)
		}
		rows = append(rows, row)
		it.Next()
	}
	if err := it.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	if !wantHTML {
		c.JSON(http.StatusOK, rows)
		return
	}

	page := browsePage{Class: e.Class, Name: e.Name}
	for _, r := range rows {
		cell := r.Raw
		if r.Value != nil {
			cell = string(r.Value)
		}
		page.Rows = append(page.Rows, browseRow{Key: r.Key, Cell: cell})
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := browseTemplate.Execute(c.Writer, page); err != nil {
		ins.log.Error("render browse html", zap.Error(err))
		c.Status(http.StatusInternalServerError)
	}
}

// resolveRange builds the kvengine.Range to scan for a browse request,
// honoring key (exact prefix match), prefix, start_key/end_key (each a
// JSON-encoded user value), and descending.
func resolveRange(kid byte, q map[string][]string, includeUpper, descending bool) (kvengine.Range, error) {
	get := func(name string) (string, bool) {
		vs, ok := q[name]
		if !ok || len(vs) == 0 {
			return "", false
		}
		return vs[0], true
	}
	decodeParam := func(raw string) ([]byte, error) {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid JSON value %q: %w", raw, err)
		}
		return keycodec.Encode(nil, v), nil
	}

	from, to := []byte{kid}, []byte{kid + 1}

	if raw, ok := get("key"); ok {
		encKey, err := decodeParam(raw)
		if err != nil {
			return kvengine.Range{}, err
		}
		from = append([]byte{kid}, encKey...)
		to = append(append([]byte(nil), from...), 0xff)
	} else if raw, ok := get("prefix"); ok {
		encKey, err := decodeParam(raw)
		if err != nil {
			return kvengine.Range{}, err
		}
		from = append([]byte{kid}, encKey...)
		to = prefixUpperBound(from)
	} else {
		if raw, ok := get("start_key"); ok {
			encKey, err := decodeParam(raw)
			if err != nil {
				return kvengine.Range{}, err
			}
			from = append([]byte{kid}, encKey...)
		}
		if raw, ok := get("end_key"); ok {
			encKey, err := decodeParam(raw)
			if err != nil {
				return kvengine.Range{}, err
			}
			to = append([]byte{kid}, encKey...)
			if includeUpper {
				to = append(to, 0xff)
			}
		}
	}

	if descending {
		from, to = to, from
	}
	return kvengine.Range{From: from, To: to}, nil
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
