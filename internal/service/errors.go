package service

import (
	"errors"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/dushixiang/dashrun/internal/protocol"
	"github.com/dushixiang/dashrun/internal/store"
)

var (
	ErrDashboardNotFound    = store.ErrDashboardNotFound
	ErrInvalidTimeRange     = protocol.ErrInvalidTimeRange
	ErrRateLimited          = backend.ErrRateLimited
	ErrDatasourceUnresolved = errors.New("datasource unresolved")
	ErrDependencyUnresolved = errors.New("dependency unresolved")
	ErrRefIDExhausted       = errors.New("refId alphabet exhausted")
	ErrBackendBatchFailure  = errors.New("backend batch failure")
	ErrNoQueries            = errors.New("no executable queries")
	ErrTimeout              = errors.New("execution timed out")
)
