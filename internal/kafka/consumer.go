package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/metrics"
	"go.uber.org/zap"
)

const (
	retrySuffix       = ".retry"
	deadLetterSuffix  = ".dlq"
	defaultMaxRetries = 3
)

// RetryTopic 返回主题对应的重试主题名
func RetryTopic(topic string) string {
	return topic + retrySuffix
}

// DeadLetterTopic 返回主题对应的死信主题名
func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

// Consumer Kafka消费者
type Consumer struct {
	consumer sarama.ConsumerGroup
	groupID  string
	topics   []string
	handlers map[string]MessageHandler
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// MessageHandler 消息处理函数。返回校验类错误时消息直接进入死信，
// 其余错误按重试预算重投。
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

var globalConsumer *Consumer

// InitConsumer 初始化Kafka消费者。topics需同时包含业务主题与对应的
// 重试主题，处理器只按业务主题注册，重试消息解包后路由到同一处理器。
func InitConsumer(brokers []string, groupID string, topics []string) error {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	globalConsumer = &Consumer{
		consumer: consumerGroup,
		groupID:  groupID,
		topics:   topics,
		handlers: make(map[string]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", brokers),
		zap.String("group_id", groupID),
		zap.Strings("topics", topics))

	go globalConsumer.start()

	return nil
}

// GetConsumer 获取全局消费者实例
func GetConsumer() *Consumer {
	return globalConsumer
}

// RegisterHandler 注册消息处理器
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	if c == nil {
		return
	}
	c.handlers[topic] = handler
	logger.Info("注册Kafka消息处理器", zap.String("topic", topic))
}

// start 启动消费者
func (c *Consumer) start() {
	if c == nil || c.consumer == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				logger.Info("Kafka消费者停止")
				return
			default:
				handler := &consumerGroupHandler{
					handlers: c.handlers,
				}
				err := c.consumer.Consume(c.ctx, c.topics, handler)
				if err != nil {
					logger.Error("消费消息失败", zap.Error(err))
					time.Sleep(5 * time.Second)
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			logger.Error("Kafka消费者错误", zap.Error(err))
		}
	}()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	if c.consumer != nil {
		return c.consumer.Close()
	}
	return nil
}

// consumerGroupHandler 消费者组处理器
type consumerGroupHandler struct {
	handlers map[string]MessageHandler
}

// Setup 会话开始
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup 会话结束
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.handleMessage(session, message)

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage 处理单条消息。处理失败的消息改投重试或死信主题后
// 照常标记，绝不阻塞分区；只有重投自身失败时才留待重新投递。
func (h *consumerGroupHandler) handleMessage(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) {
	raw := message.Value
	key := string(message.Key)
	originalTopic := message.Topic
	retryCount := 0
	maxRetries := defaultMaxRetries

	// 重试主题上的消息是信封，先解包还原原始事件
	if strings.HasSuffix(message.Topic, retrySuffix) {
		var envelope RetryMessage
		if err := json.Unmarshal(message.Value, &envelope); err != nil {
			logger.Error("重试信封解析失败，消息进入死信",
				zap.String("topic", message.Topic), zap.Error(err))
			h.toDeadLetter(session, message, message.Topic, key, message.Value, 0, err)
			return
		}
		raw = envelope.Data
		key = envelope.OriginalKey
		originalTopic = envelope.OriginalTopic
		retryCount = envelope.RetryCount
		if envelope.MaxRetries > 0 {
			maxRetries = envelope.MaxRetries
		}
	}

	handler, ok := h.handlers[originalTopic]
	if !ok {
		logger.Warn("未找到消息处理器", zap.String("topic", originalTopic))
		session.MarkMessage(message, "")
		return
	}

	dispatch := &sarama.ConsumerMessage{
		Topic:     originalTopic,
		Key:       []byte(key),
		Value:     raw,
		Partition: message.Partition,
		Offset:    message.Offset,
		Timestamp: message.Timestamp,
	}

	err := handler(context.Background(), dispatch)
	switch {
	case err == nil:
		metrics.Default().RecordIngestEvent(originalTopic, "ok")
		session.MarkMessage(message, "")
		logger.Debug("消息处理成功",
			zap.String("topic", message.Topic),
			zap.Int("partition", int(message.Partition)),
			zap.Int64("offset", message.Offset))

	case errors.CodeOf(err) == errors.ErrCodeValidationFailed:
		// 格式或内容非法属于永久失败，重试没有意义
		logger.Error("消息校验失败，直接进入死信",
			zap.String("topic", originalTopic), zap.Error(err))
		metrics.Default().RecordIngestEvent(originalTopic, "invalid")
		h.toDeadLetter(session, message, originalTopic, key, raw, retryCount, err)

	case retryCount >= maxRetries:
		logger.Error("消息重试预算耗尽，进入死信",
			zap.String("topic", originalTopic),
			zap.Int("retry_count", retryCount),
			zap.Error(err))
		metrics.Default().RecordIngestEvent(originalTopic, "dead_letter")
		h.toDeadLetter(session, message, originalTopic, key, raw, retryCount, err)

	default:
		if rerr := SendRetryMessage(originalTopic, key, raw, retryCount+1, maxRetries, err.Error()); rerr != nil {
			logger.Error("改投重试主题失败，等待重新投递",
				zap.String("topic", originalTopic), zap.Error(rerr))
			return
		}
		metrics.Default().RecordIngestEvent(originalTopic, "retried")
		session.MarkMessage(message, "")
		logger.Warn("消息处理失败，已改投重试主题",
			zap.String("topic", originalTopic),
			zap.Int("retry_count", retryCount+1),
			zap.Error(err))
	}
}

// toDeadLetter 把消息连同失败上下文投递到死信主题并标记原消息；
// 投递失败时不标记，等待重新投递
func (h *consumerGroupHandler) toDeadLetter(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage, topic, key string, data []byte, retryCount int, cause error) {
	if err := sendEnvelope(DeadLetterTopic(topic), topic, key, data, retryCount, defaultMaxRetries, cause.Error()); err != nil {
		logger.Error("投递死信失败，等待重新投递",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	session.MarkMessage(message, "")
}

// ParseIngestEvent 解析摄取事件
func ParseIngestEvent(data []byte) (*IngestEvent, error) {
	var event IngestEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("解析摄取事件失败: %w", err)
	}
	return &event, nil
}

// RetryMessage 重试信封。重投次数记在信封而非事件本身，
// 事件负载原样转送。
type RetryMessage struct {
	OriginalTopic string          `json:"original_topic"`
	OriginalKey   string          `json:"original_key"`
	Data          json.RawMessage `json:"data"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
}

// SendRetryMessage 把失败消息包成信封投到重试主题
func SendRetryMessage(topic string, key string, data []byte, retryCount, maxRetries int, lastError string) error {
	return sendEnvelope(RetryTopic(topic), topic, key, data, retryCount, maxRetries, lastError)
}

// sendEnvelope 投递重试信封到指定主题
func sendEnvelope(target, originalTopic, key string, data []byte, retryCount, maxRetries int, lastError string) error {
	envelope := RetryMessage{
		OriginalTopic: originalTopic,
		OriginalKey:   key,
		Data:          data,
		RetryCount:    retryCount,
		MaxRetries:    maxRetries,
		LastError:     lastError,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("序列化重试信封失败: %w", err)
	}

	producer := GetProducer()
	if producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}

	saramaProducer := producer.GetProducerInstance()
	if saramaProducer == nil {
		return fmt.Errorf("Sarama生产者未初始化")
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: target,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	_, _, err = saramaProducer.SendMessage(kafkaMsg)
	return err
}
