package domain

import (
	"errors"
	"strings"
)

// Result holds the metric table of one instance of a run.
type Result struct {
	ID           string
	RunID        string
	InstanceID   int
	InstanceName string
	InstanceType string
	Metrics      Metadata
}

func (r Result) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("result id is required")
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if r.InstanceID < 0 {
		return errors.New("instance id must be >= 0")
	}
	if strings.TrimSpace(r.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	return nil
}

// Problem types assigned by instance classification.
const (
	TypeLP    = "LP"
	TypeMIP   = "MIP"
	TypeIP    = "IP"
	TypeBP    = "BP"
	TypeMBP   = "MBP"
	TypeQCP   = "QCP"
	TypeMIQCP = "MIQCP"
	TypeNLP   = "NLP"
	TypeMINLP = "MINLP"
	TypeCIP   = "CIP"
)
