package service

import (
	"errors"
	"fmt"

	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/repository"
)

var (
	// ErrNotFound 与 repository.ErrNotFound 相同，handler 统一映射 404
	ErrNotFound = repository.ErrNotFound
	// ErrUnauthorized 请求未携带有效身份
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidKind 未知的 run 类型（请求参数错误）
	ErrInvalidKind = errors.New("invalid sync run kind")
	// ErrSourceNotSyncable 只有 rss 来源支持后台同步
	ErrSourceNotSyncable = errors.New("only rss sources can be synced")
	// ErrUnknownJobKind 队列里出现了未知类型，属于程序缺陷
	ErrUnknownJobKind = errors.New("unknown job kind")
	// ErrMissingSourceID shelf_source_sync 消息缺少 sourceId
	ErrMissingSourceID = errors.New("missing source id")
)

// JobExecutionError 执行器失败，由消费端捕获并写入 run
type JobExecutionError struct {
	RunID string
	Kind  model.RunKind
	Err   error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("%s job %s: %v", e.Kind, e.RunID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }

// Message 写入 run.error_message 的文本
func (e *JobExecutionError) Message() string {
	if e.Err == nil {
		return "job failed"
	}
	return e.Err.Error()
}
