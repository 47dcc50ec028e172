package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"boardsync/backend/internal/document"
	"boardsync/backend/internal/store"
)

type memProjects struct {
	mu sync.Mutex
	m  map[string]*store.Project
	n  int
}

func (r *memProjects) Create(_ context.Context, ownerID, title string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	id := "p" + string(rune('0'+r.n))
	p := &store.Project{ID: id, OwnerID: ownerID, Title: title, ShareCode: "CODE" + id}
	r.m[id] = p
	return p, nil
}

func (r *memProjects) Get(_ context.Context, id string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok {
		return nil, store.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memProjects) List(_ context.Context, ownerID string) ([]store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Project
	for _, p := range r.m {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *memProjects) Rename(_ context.Context, id, ownerID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok || p.OwnerID != ownerID {
		return store.ErrProjectNotFound
	}
	p.Title = title
	return nil
}

func (r *memProjects) Delete(_ context.Context, id, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[id]
	if !ok || p.OwnerID != ownerID {
		return store.ErrProjectNotFound
	}
	delete(r.m, id)
	return nil
}

func (r *memProjects) ByShareCode(_ context.Context, code string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.m {
		if p.ShareCode == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrProjectNotFound
}

type memSnapshots struct {
	mu sync.Mutex
	m  map[string]document.Snapshot
}

func (s *memSnapshots) Read(_ context.Context, docID string) (document.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.m[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap, nil
}

func (s *memSnapshots) Write(_ context.Context, docID string, snap document.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[docID] = snap
	return nil
}

func (s *memSnapshots) Delete(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, docID)
	return nil
}

func newTestRouter(projects ProjectRepo, snaps store.SnapshotStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1")
	// 测试里用 header 模拟鉴权中间件写入的用户
	g.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set("userId", u)
		}
		c.Next()
	})
	NewProjectHandler(projects, snaps, nil).Register(g)
	return r
}

func do(r http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestProjectHandler_CRUD(t *testing.T) {
	projects := &memProjects{m: map[string]*store.Project{}}
	snaps := &memSnapshots{m: map[string]document.Snapshot{}}
	r := newTestRouter(projects, snaps)

	if w := do(r, http.MethodPost, "/v1/projects", "", `{"title":"x"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create code = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/v1/projects", "u1", `{"title":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank title code = %d", w.Code)
	}

	w := do(r, http.MethodPost, "/v1/projects", "u1", `{"title":"Board"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create code = %d body = %s", w.Code, w.Body.String())
	}
	var p store.Project
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	if p.OwnerID != "u1" || p.Title != "Board" {
		t.Fatalf("project = %+v", p)
	}

	w = do(r, http.MethodGet, "/v1/projects", "u1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), p.ID) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodPatch, "/v1/projects/"+p.ID, "u2", `{"title":"Hijack"}`); w.Code != http.StatusNotFound {
		t.Fatalf("rename by other user code = %d", w.Code)
	}
	if w := do(r, http.MethodPatch, "/v1/projects/"+p.ID, "u1", `{"title":"Renamed"}`); w.Code != http.StatusNoContent {
		t.Fatalf("rename code = %d", w.Code)
	}

	w = do(r, http.MethodGet, "/v1/join/"+p.ShareCode, "u2", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Renamed") {
		t.Fatalf("join = %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/v1/join/NOPE", "u2", ""); w.Code != http.StatusNotFound {
		t.Fatalf("join unknown code = %d", w.Code)
	}

	// 还没保存过：返回空列表
	w = do(r, http.MethodGet, "/v1/projects/"+p.ID+"/snapshot", "u2", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"records":[]`) {
		t.Fatalf("empty snapshot = %d %s", w.Code, w.Body.String())
	}
	snaps.m[p.ID] = document.Snapshot{"r1": {ID: "r1", TypeTag: "shape"}}
	w = do(r, http.MethodGet, "/v1/projects/"+p.ID+"/snapshot", "u2", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"id":"r1"`) {
		t.Fatalf("snapshot = %d %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodDelete, "/v1/projects/"+p.ID, "u1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete code = %d", w.Code)
	}
	if _, ok := snaps.m[p.ID]; ok {
		t.Fatal("snapshot not deleted with project")
	}
	if w := do(r, http.MethodGet, "/v1/projects/"+p.ID, "u1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted code = %d", w.Code)
	}
}
