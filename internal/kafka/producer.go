package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/coursehub/retrieval-go/internal/logger"
	"go.uber.org/zap"
)

// Producer Kafka生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

// GetProducerInstance 获取底层sarama producer实例（用于扩展功能）
func (p *Producer) GetProducerInstance() sarama.SyncProducer {
	return p.producer
}

// 摄取事件动作
const (
	ActionIndex   = "index"
	ActionReindex = "reindex"
	ActionDelete  = "delete"
)

// IngestEvent 摄取事件。上游内容服务在课程资料变更后发布，
// 检索工作进程消费后同步向量索引。delete动作只看定位字段，
// kind为entity且child_id为空时按整门课程级联删除。
type IngestEvent struct {
	Action   string            `json:"action"`
	ParentID string            `json:"parent_id"`
	ChildID  string            `json:"child_id,omitempty"`
	Kind     string            `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var globalProducer *Producer

// InitProducer 初始化Kafka生产者
func InitProducer(brokers []string, topic string) error {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	globalProducer = &Producer{
		producer: producer,
		topic:    topic,
	}

	logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return nil
}

// GetProducer 获取全局生产者实例
func GetProducer() *Producer {
	return globalProducer
}

// SendIngestEvent 发送摄取事件。消息键取 kind-parent，同一父实体的
// 事件落在同一分区内保序。
func (p *Producer) SendIngestEvent(event *IngestEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化摄取事件失败: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%s-%s", event.Kind, event.ParentID)),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("action"),
				Value: []byte(event.Action),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(kafkaMsg)
	if err != nil {
		logger.Error("发送摄取事件失败", zap.Error(err))
		return fmt.Errorf("发送消息失败: %w", err)
	}

	logger.Debug("摄取事件发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("parent", event.ParentID),
		zap.String("action", event.Action))

	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// PublishIngestEvent 发送摄取事件（便捷方法）。Kafka未配置时静默
// 跳过，不影响主流程。
func PublishIngestEvent(action, kind, parentID, childID, text string, metadata map[string]string) error {
	producer := GetProducer()
	if producer == nil {
		logger.Warn("Kafka生产者未初始化，跳过摄取事件发送")
		return nil
	}

	return producer.SendIngestEvent(&IngestEvent{
		Action:   action,
		ParentID: parentID,
		ChildID:  childID,
		Kind:     kind,
		Text:     text,
		Metadata: metadata,
	})
}
