package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbfleet/pbfleet-agent/internal/files"
)

type deleteFilesRequest struct {
	Paths []string `json:"paths" binding:"required"`
	Force bool     `json:"force"`
}

type copyMoveRequest struct {
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	Force       bool   `json:"force"`
}

type mkdirRequest struct {
	Path string `json:"path"`
	Name string `json:"name" binding:"required"`
}

func (a *API) metrics(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}

func (a *API) listFiles(c *gin.Context) {
	entries, err := a.instances.ListFiles(c.Request.Context(), c.Param("id"), c.Query("path"))
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{"path": c.Query("path"), "items": entries})
}

func (a *API) uploadFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: "no files in request"})
		return
	}

	var streams []files.NamedStream
	var closers []func() error
	defer func() {
		for _, close := range closers {
			_ = close()
		}
	}()
	for _, header := range uploads {
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
			return
		}
		closers = append(closers, f.Close)
		streams = append(streams, files.NamedStream{Name: header.Filename, Reader: f})
	}

	replace := c.PostForm("replace") != "false"
	written, err := a.instances.UploadFiles(c.Request.Context(), c.Param("id"), c.PostForm("path"), streams, replace)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{"uploaded": written})
}

func (a *API) downloadFile(c *gin.Context) {
	file, entry, err := a.instances.OpenFile(c.Request.Context(), c.Param("id"), c.Query("path"))
	if err != nil {
		a.fail(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Disposition", `attachment; filename="`+entry.Name+`"`)
	c.DataFromReader(http.StatusOK, entry.Size, "application/octet-stream", file, nil)
}

func (a *API) mkdir(c *gin.Context) {
	var req mkdirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	path, err := a.instances.MkdirFile(c.Request.Context(), c.Param("id"), req.Path, req.Name)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{"path": path})
}

func (a *API) deleteFiles(c *gin.Context) {
	var req deleteFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	result, err := a.instances.DeleteFiles(c.Request.Context(), c.Param("id"), req.Paths, req.Force)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, result)
}

func (a *API) copyFile(c *gin.Context) {
	var req copyMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	if err := a.instances.CopyFile(c.Request.Context(), c.Param("id"), req.Source, req.Destination); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) moveFile(c *gin.Context) {
	var req copyMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Ok: false, Error: err.Error()})
		return
	}
	if err := a.instances.MoveFile(c.Request.Context(), c.Param("id"), req.Source, req.Destination, req.Force); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}
