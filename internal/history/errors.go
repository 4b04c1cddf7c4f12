package history

import "codeberg.org/mutker/statlink/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("history_invalid_config")
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Record Errors
	ErrInvalidRecord = errors.ErrorCode("history_invalid_record")

	// Storage Errors
	ErrStorageInit   = errors.ErrorCode("history_storage_init_failed")
	ErrStorageAccess = errors.ErrorCode("history_storage_access_failed")
	ErrStorageClose  = errors.ErrorCode("history_storage_close_failed")

	// Operation Errors
	ErrOperationTimeout = errors.ErrorCode("history_operation_timeout")
	ErrServiceShutdown  = errors.ErrorCode("history_service_shutdown_failed")
)
