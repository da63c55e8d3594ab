package plant

// system is a first-order ODE dx/dt = f(x, u).
type system interface {
	derive(x, u []float64) []float64
}

type rk4 struct {
	k1, k2, k3, k4 []float64
	scratch        []float64
}

func (r *rk4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make([]float64, n)
		r.k2 = make([]float64, n)
		r.k3 = make([]float64, n)
		r.k4 = make([]float64, n)
		r.scratch = make([]float64, n)
	}
}

// step advances x by dt holding u constant and returns the new state.
func (r *rk4) step(sys system, x, u []float64, dt float64) []float64 {
	n := len(x)
	r.ensureScratch(n)

	copy(r.k1, sys.derive(x, u))
	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	copy(r.k2, sys.derive(r.scratch, u))
	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	copy(r.k3, sys.derive(r.scratch, u))
	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	copy(r.k4, sys.derive(r.scratch, u))

	out := make([]float64, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		out[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}
	return out
}
