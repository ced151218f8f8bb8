package api

import (
	"net/http"
	"strings"
)

// preview serves a file from the branch's worktree, or from the site
// directory for the main branch. Nothing is checked out.
func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	branch := r.PathValue("branch")
	rel := r.PathValue("path")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".git" || seg == ".." {
			http.NotFound(w, r)
			return
		}
	}

	dir := s.git.Root()
	if branch != s.git.MainBranch() {
		wt, err := s.git.FindWorktree(r.Context(), branch)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if wt == nil {
			writeError(w, http.StatusNotFound, "no worktree for branch "+branch)
			return
		}
		dir = wt.Path
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + rel
	r2.URL.RawPath = ""
	w.Header().Set("Cache-Control", "no-store")
	http.FileServer(http.Dir(dir)).ServeHTTP(w, r2)
}
