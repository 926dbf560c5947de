package models

// ActorKind separates backend writers from clients for the transition guard.
type ActorKind string

const (
	ActorWorker   ActorKind = "worker"
	ActorSystem   ActorKind = "system"
	ActorOperator ActorKind = "operator"
	ActorClient   ActorKind = "client"
)

// Actor identifies who performed a write.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

// IsBackend reports whether the actor may perform privileged transitions.
func (a Actor) IsBackend() bool {
	switch a.Kind {
	case ActorWorker, ActorSystem, ActorOperator:
		return true
	}
	return false
}

func (a Actor) String() string {
	return string(a.Kind) + ":" + a.ID
}

// SystemActor is used for writes not attributable to a caller.
var SystemActor = Actor{ID: "system", Kind: ActorSystem}
