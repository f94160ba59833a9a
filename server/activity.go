package server

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/visor-platform/visor/visor"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * visor.Kilo

// KafkaConfig describes the kafka cluster used for request activity logging.
// An empty server list disables activity logging.
type KafkaConfig struct {
	TopicActivity string   `toml:"topic_activity"`
	Servers       []string `toml:"servers"`
}

var (
	kafkaProducer sarama.AsyncProducer

	// the kafka topic for activity logging
	kafkaActivityTopicName string
)

// Initialize sets up the activity topic and async producer.
func (kc KafkaConfig) Initialize(hostID string) error {
	if len(kc.Servers) == 0 {
		return nil
	}
	if kc.TopicActivity != "" {
		kafkaActivityTopicName = kc.TopicActivity
	} else {
		kafkaActivityTopicName = "visoractivity-" + hostID
	}
	reg, err := regexp.Compile(`[^a-zA-Z0-9\\._\\-]+`)
	if err != nil {
		return err
	}
	kafkaActivityTopicName = reg.ReplaceAllString(kafkaActivityTopicName, "-")

	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kafkaProducer, err = sarama.NewAsyncProducer(kc.Servers, config); err != nil {
		return err
	}

	go func() {
		for err := range kafkaProducer.Errors() {
			visor.Errorf("error on kafka send: %v\n", err)
		}
	}()
	visor.Infof("Kafka topic for server activity: %s\n", kafkaActivityTopicName)
	return nil
}

// KafkaShutdown makes sure that the kafka queue is flushed before stopping.
func KafkaShutdown() {
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			visor.Errorf("Kafka producer had error on close: %v\n", err)
		} else {
			visor.Infof("Successfully shut down kafka producer.\n")
		}
		kafkaProducer = nil
	}
}

// LogActivity publishes request activity asynchronously; it never blocks the
// request path.
func LogActivity(activity map[string]interface{}) {
	if kafkaProducer != nil {
		go func() {
			jsonmsg, err := json.Marshal(activity)
			if err != nil {
				visor.Errorf("unable to marshal activity for kafka logging: %v\n", err)
				return
			}
			timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
			kafkaProducer.Input() <- &sarama.ProducerMessage{
				Topic: kafkaActivityTopicName,
				Value: sarama.ByteEncoder(jsonmsg),
				Key:   timeKey,
			}
		}()
	}
}
