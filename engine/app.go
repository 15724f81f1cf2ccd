package engine

// App wires the process manager and HTTP router together. Load it up with
// modules via .Add() and run the whole thing with .ProcMgr.Run().
type App struct {
	ProcMgr
	Router *Router
}

func NewApp(httpAddr string, router *Router) *App {
	a := &App{Router: router}
	a.ProcMgr.Add(router.Serve(httpAddr))
	return a
}

// Add inspects mod for the optional interfaces below and wires whichever it
// implements. A module can satisfy both.
func (a *App) Add(mod any) {
	type routableModule interface {
		AttachRoutes(*Router)
	}
	if m, ok := mod.(routableModule); ok {
		m.AttachRoutes(a.Router)
	}

	type workableModule interface {
		AttachWorkers(*ProcMgr)
	}
	if m, ok := mod.(workableModule); ok {
		m.AttachWorkers(&a.ProcMgr)
	}
}
