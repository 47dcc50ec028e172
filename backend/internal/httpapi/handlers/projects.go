package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"boardsync/backend/internal/document"
	"boardsync/backend/internal/store"
)

// ProjectRepo store.ProjectStore 满足它
type ProjectRepo interface {
	Create(ctx context.Context, ownerID, title string) (*store.Project, error)
	Get(ctx context.Context, id string) (*store.Project, error)
	List(ctx context.Context, ownerID string) ([]store.Project, error)
	Rename(ctx context.Context, id, ownerID, title string) error
	Delete(ctx context.Context, id, ownerID string) error
	ByShareCode(ctx context.Context, code string) (*store.Project, error)
}

type ProjectHandler struct {
	projects  ProjectRepo
	snapshots store.SnapshotStore
	logger    *zap.Logger
}

func NewProjectHandler(projects ProjectRepo, snapshots store.SnapshotStore, logger *zap.Logger) *ProjectHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectHandler{projects: projects, snapshots: snapshots, logger: logger}
}

// Register 挂在已经过 AuthMiddleware 的分组上
func (h *ProjectHandler) Register(g *gin.RouterGroup) {
	g.POST("/projects", h.create)
	g.GET("/projects", h.list)
	g.GET("/projects/:id", h.get)
	g.PATCH("/projects/:id", h.rename)
	g.DELETE("/projects/:id", h.delete)
	g.GET("/projects/:id/snapshot", h.snapshot)
	g.GET("/join/:shareCode", h.join)
}

type titleReq struct {
	Title string `json:"title" binding:"required"`
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *ProjectHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	h.logger.Error("project request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *ProjectHandler) create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req titleReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing title"})
		return
	}
	p, err := h.projects.Create(c.Request.Context(), userID, strings.TrimSpace(req.Title))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *ProjectHandler) list(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	ps, err := h.projects.List(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ps == nil {
		ps = []store.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": ps})
}

func (h *ProjectHandler) get(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	p, err := h.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *ProjectHandler) rename(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req titleReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing title"})
		return
	}
	if err := h.projects.Rename(c.Request.Context(), c.Param("id"), userID, strings.TrimSpace(req.Title)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// delete 先删元数据再删快照；快照删除失败只记日志，孤儿快照不影响使用
func (h *ProjectHandler) delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.projects.Delete(c.Request.Context(), id, userID); err != nil {
		h.fail(c, err)
		return
	}
	if h.snapshots != nil {
		if err := h.snapshots.Delete(c.Request.Context(), id); err != nil {
			h.logger.Warn("delete snapshot failed", zap.String("doc", id), zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *ProjectHandler) snapshot(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	id := c.Param("id")
	if _, err := h.projects.Get(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	snap, err := h.snapshots.Read(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		snap = document.Snapshot{}
	} else if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "records": snap.Records()})
}

func (h *ProjectHandler) join(c *gin.Context) {
	if _, ok := currentUser(c); !ok {
		return
	}
	p, err := h.projects.ByShareCode(c.Request.Context(), c.Param("shareCode"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "title": p.Title})
}
