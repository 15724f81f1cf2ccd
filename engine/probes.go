package engine

import (
	"fmt"
	"net/http"
)

// ServeHealthProbe returns a handler that reports 200 while check succeeds
// and 500 otherwise. check is typically a cheap liveness test (repository
// reachable, active printer store initialized) rather than anything that
// talks to the network.
func ServeHealthProbe(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(); err != nil {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}
}

func CheckHealthProbe(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
