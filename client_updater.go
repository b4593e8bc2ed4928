package tclock

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest tclock state.

import (
	"encoding/json"
	"fmt"
	"strings"

	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// clientMessageChan carries updates from every part of the server to RunClientUpdater.
var clientMessageChan = make(chan ClientUpdate, 64)

// saveMessages are the tags whose state is also stored in the config file, so the
// next run of the server starts from the same settings.
var saveMessages = map[string]bool{
	"lock":   true,
	"cavity": true,
	"lasers": true,
}

// publishUpdate queues an update for clients. Updates are dropped, not blocked on,
// when the publisher is not keeping up.
func publishUpdate(tag string, state any) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
		ProblemLogger.Printf("status publisher is behind; dropped %s update", tag)
	}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know.
func RunClientUpdater(statusport int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status publisher: %v", err)
		return
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status publisher to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-clientMessageChan:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not marshal %s update: %v", update.tag, err)
				continue
			}
			if update.tag != "STATUS" {
				UpdateLogger.Printf("SEND %v %v", update.tag, string(message))
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
			}

			key := strings.ToLower(update.tag)
			if saveMessages[key] {
				viper.Set(key, update.state)
				if err := viper.WriteConfig(); err != nil {
					ProblemLogger.Printf("could not save %s to the config file: %v", key, err)
				}
			}
		}
	}
}
