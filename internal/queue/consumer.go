// Package queue contains the background consumer that listens to the
// session.lifecycle queue and writes structured logs to logs/session.log.
package queue

import (
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
)

const lifecycleQueueName = "session.lifecycle"

// StartSessionConsumer connects to RabbitMQ at the given URL, declares
// the session.lifecycle queue (durable), and starts consuming messages.
// Each message is appended to logs/session.log in a single-line,
// human-friendly format. The function runs a reconnect loop with
// exponential backoff; it keeps running and logs any processing errors
// while rejecting the offending message so the server continues
// operating.
func StartSessionConsumer(url string) error {
    backoff := time.Second
    for {
        conn, err := amqp.Dial(url)
        if err != nil {
            log.Printf("session-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
            time.Sleep(backoff)
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second // reset after successful connect

        if err := consumeLoop(conn); err != nil {
            log.Printf("session-consumer: consume loop ended: %v; reconnecting", err)
            time.Sleep(2 * time.Second)
            continue
        }
    }
}

func consumeLoop(conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        log.Printf("session-consumer: set QoS failed: %v", err)
    }

    _, err = ch.QueueDeclare(lifecycleQueueName, true, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }

    msgs, err := ch.Consume(lifecycleQueueName, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for d := range msgs {
        if err := handleMessage(d.Body); err != nil {
            log.Printf("session-consumer: handle message failed: %v", err)
            _ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
            continue
        }
        _ = d.Ack(false)
    }
    return errors.New("deliveries channel closed")
}

func handleMessage(body []byte) error {
    var ev SessionEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    // Ensure logs directory exists
    if err := os.MkdirAll("logs", 0o755); err != nil {
        return fmt.Errorf("mkdir logs: %w", err)
    }
    fpath := filepath.Join("logs", "session.log")
    f, err := os.OpenFile(fpath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()

    line := formatEvent(ev)
    if _, err := f.WriteString(line); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

func formatEvent(ev SessionEvent) string {
    switch ev.Type {
    case TypeSessionProvisioned:
        return fmt.Sprintf("[%s] Access code provisioned | session_id=%s | pod=\"%s\" | attempts=%d\n",
            ev.OccurredAt, ev.SessionID, ev.PodName, ev.Attempts)
    case TypeSessionProvisionFailed:
        return fmt.Sprintf("[%s] Access code provisioning FAILED | session_id=%s | pod=\"%s\" | attempts=%d\n",
            ev.OccurredAt, ev.SessionID, ev.PodName, ev.Attempts)
    case TypeSessionClosed:
        return fmt.Sprintf("[%s] Session closed | session_id=%s | pod=\"%s\" | amount=%d pence | charged=%t\n",
            ev.OccurredAt, ev.SessionID, ev.PodName, ev.AmountPence, ev.Charged)
    }
    return fmt.Sprintf("[%s] %s | session_id=%s\n", ev.OccurredAt, ev.Type, ev.SessionID)
}
