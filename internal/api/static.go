package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
	"github.com/wagnerlima/mapeo-server/internal/models"
)

func (s *Server) presetsList(c *gin.Context) {
	entries, err := os.ReadDir(filepath.Join(s.StaticRoot, "presets"))
	if err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) presetsGet(c *gin.Context) {
	rel := c.Param("filepath")
	if rel == "/" {
		s.presetsList(c)
		return
	}
	s.serveStatic(c, path.Join("/presets", rel))
}

// stylesList summarises every style directory holding a readable
// style.json with at least one source.
func (s *Server) stylesList(c *gin.Context) {
	root := filepath.Join(s.StaticRoot, "styles")
	entries, err := os.ReadDir(root)
	if err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}

	out := []models.Style{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		style, ok := readStyle(filepath.Join(root, e.Name(), "style.json"))
		if !ok {
			continue
		}
		style.ID = e.Name()
		out = append(out, style)
	}
	c.JSON(http.StatusOK, out)
}

type styleDoc struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Sources     map[string]map[string]any `json:"sources"`
}

func readStyle(file string) (models.Style, bool) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return models.Style{}, false
	}
	var doc styleDoc
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Sources) == 0 {
		return models.Style{}, false
	}

	// Go maps have no order; take the first source by name.
	keys := make([]string, 0, len(doc.Sources))
	for k := range doc.Sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	src := doc.Sources[keys[0]]
	if src == nil {
		return models.Style{}, false
	}
	return models.Style{
		Name:        doc.Name,
		Description: doc.Description,
		Bounds:      src["bounds"],
		MinZoom:     src["minzoom"],
		MaxZoom:     src["maxzoom"],
	}, true
}

func (s *Server) stylesGet(c *gin.Context) {
	id := c.Param("id")
	rel := c.Param("filepath")
	if rel == "/style.json" {
		s.serveStyleFile(c, id)
		return
	}
	s.serveStatic(c, path.Join("/styles", id, rel))
}

// serveStyleFile serves a style.json with every {host} placeholder pointed
// back at this server.
func (s *Server) serveStyleFile(c *gin.Context, id string) {
	f, err := http.Dir(filepath.Join(s.StaticRoot, "styles")).Open(path.Join("/", id, "style.json"))
	if err != nil {
		s.abortWithError(c, apierr.NotFound("style "+id))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		s.abortWithError(c, apierr.StoreFailure(err))
		return
	}

	host := "http://" + c.Request.Host + "/styles/" + id
	data := bytes.ReplaceAll(buf.Bytes(), []byte("{host}"), []byte(host))

	c.Header("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// serveStatic serves name from the static root. Directories and paths
// escaping the root are not found.
func (s *Server) serveStatic(c *gin.Context, name string) {
	f, err := http.Dir(s.StaticRoot).Open(name)
	if err != nil {
		s.abortWithError(c, apierr.NotFound(name))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.abortWithError(c, apierr.NotFound(name))
		return
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}
