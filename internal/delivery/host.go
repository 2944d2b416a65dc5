package delivery

import "sync"

// HostState is what channel selection needs to know about the host.
type HostState struct {
	Surface    Surface    `json:"surface"`
	Hidden     bool       `json:"hidden"`
	Permission Permission `json:"browser_permission"`
}

// Host holds the live host state. It is written by config reloads and the
// lifecycle endpoint and read on every routing decision.
type Host struct {
	mu sync.RWMutex
	st HostState
}

func NewHost(st HostState) *Host {
	if st.Surface == "" {
		st.Surface = SurfaceWeb
	}
	if st.Permission == "" {
		st.Permission = PermissionDefault
	}
	return &Host{st: st}
}

func (h *Host) State() HostState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.st
}

func (h *Host) SetHidden(hidden bool) {
	h.mu.Lock()
	h.st.Hidden = hidden
	h.mu.Unlock()
}

func (h *Host) SetPermission(p Permission) {
	h.mu.Lock()
	h.st.Permission = p
	h.mu.Unlock()
}

func (h *Host) SetSurface(s Surface) {
	h.mu.Lock()
	h.st.Surface = s
	h.mu.Unlock()
}

// Permission implements PermissionSource.
func (h *Host) Permission() Permission { return h.State().Permission }
