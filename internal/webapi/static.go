package webapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// registerStaticRoutes serves the dashboard's built assets out of dir,
// falling back to index.html for any GET that doesn't match a file or an
// already-registered /api route (SPA routing) and rejecting any request
// whose cleaned path escapes dir.
func registerStaticRoutes(r *gin.Engine, dir string) {
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Status(http.StatusNotFound)
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Status(http.StatusNotFound)
			return
		}

		rel := filepath.Clean("/" + c.Request.URL.Path)
		full := filepath.Join(dir, rel)
		if !strings.HasPrefix(full, filepath.Clean(dir)+string(filepath.Separator)) && full != filepath.Clean(dir) {
			c.Status(http.StatusForbidden)
			return
		}

		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			c.File(full)
			return
		}
		c.File(filepath.Join(dir, "index.html"))
	})
}
