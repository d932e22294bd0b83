package services

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/kafka"
	"github.com/coursehub/retrieval-go/internal/logger"
	"go.uber.org/zap"
)

// NewIngestEventHandler 把摄取服务包装为Kafka消息处理器。
// 事件格式或动作非法返回校验错误，由消费端直接投递死信；
// 其余错误视为瞬时故障，按重试预算重投。
func NewIngestEventHandler(ingest *IngestService) kafka.MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := kafka.ParseIngestEvent(message.Value)
		if err != nil {
			return errors.NewValidationError("malformed ingest event").WithCause(err)
		}

		record := IngestRecord{
			ParentID: event.ParentID,
			ChildID:  event.ChildID,
			Kind:     event.Kind,
			Text:     event.Text,
			Metadata: event.Metadata,
		}

		switch event.Action {
		case kafka.ActionIndex, kafka.ActionReindex:
			summary, err := ingest.IndexRecord(ctx, record)
			if err != nil {
				return err
			}
			logger.Info("摄取事件处理完成",
				zap.String("action", event.Action),
				zap.String("kind", record.Kind),
				zap.String("parent_id", record.ParentID),
				zap.String("child_id", record.ChildID),
				zap.Int("documents", summary.Documents))
			return nil

		case kafka.ActionDelete:
			// 删除entity且不带子来源时视为整门课程下线，级联清理
			// 三个集合，而不是只摘掉课程概要
			if record.Kind == KindEntity && record.ChildID == "" {
				if err := ingest.RemoveCourse(ctx, record.ParentID); err != nil {
					return err
				}
				logger.Info("课程级联删除完成", zap.String("course_code", record.ParentID))
				return nil
			}
			if err := ingest.RemoveDocuments(ctx, record.Kind, record.ParentID, record.ChildID); err != nil {
				return err
			}
			logger.Info("摄取删除完成",
				zap.String("kind", record.Kind),
				zap.String("parent_id", record.ParentID),
				zap.String("child_id", record.ChildID))
			return nil

		default:
			return errors.NewValidationError("unknown ingest action: " + event.Action)
		}
	}
}
