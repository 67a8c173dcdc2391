package trainer

import (
	"fmt"
	"log"
	"strings"

	"github.com/gofrs/uuid"
)

type RunID string

func NewRunID() RunID {
	uuid, err := uuid.NewV4()
	if err != nil {
		log.Fatalln(err)
	}
	return RunID(fmt.Sprintf("run-%s", uuid.String()))
}

func IsValidRunID(id RunID) bool {
	return strings.HasPrefix(string(id), "run-")
}

// GroupID identifies one task's rollout group within a step.
type GroupID string

func NewGroupID() GroupID {
	uuid, err := uuid.NewV4()
	if err != nil {
		log.Fatalln(err)
	}
	return GroupID(fmt.Sprintf("group-%s", uuid.String()))
}

func IsValidGroupID(id GroupID) bool {
	return strings.HasPrefix(string(id), "group-")
}
