package permission

import (
	"context"
	"fmt"
)

type Kind string

const (
	CameraRoll Kind = "camera_roll"
	Camera     Kind = "camera"
)

type Status string

const (
	Granted Status = "granted"
	Denied  Status = "denied"
)

// Result is the answer to one prompt.
type Result struct {
	Kind   Kind
	Status Status
}

type Requester interface {
	Request(ctx context.Context, kind Kind) (Result, error)
}

// Static answers prompts from a fixed table. Kinds missing from the table
// are denied.
type Static map[Kind]bool

func (s Static) Request(ctx context.Context, kind Kind) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("permission %s: %w", kind, err)
	}
	if s[kind] {
		return Result{Kind: kind, Status: Granted}, nil
	}
	return Result{Kind: kind, Status: Denied}, nil
}
