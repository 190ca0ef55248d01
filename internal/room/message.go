package room

import "encoding/json"

const messageTypeSync = "sync"

// Sent to a member right after it joins
type snapshotMessage struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Sent to every member when an edit is accepted. Author is null when the
// editor did not give a name.
type deltaMessage struct {
	Type   string  `json:"type"`
	Code   string  `json:"code"`
	Author *string `json:"author"`
}

type participantsMessage struct {
	Participants int `json:"participants"`
}

// The message types above only hold strings and ints, so encoding cannot fail.
func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func encodeSnapshot(code, language string) []byte {
	return mustEncode(snapshotMessage{Type: messageTypeSync, Code: code, Language: language})
}

func encodeDelta(code string, author *string) []byte {
	return mustEncode(deltaMessage{Type: messageTypeSync, Code: code, Author: author})
}

func encodeParticipants(count int) []byte {
	return mustEncode(participantsMessage{Participants: count})
}
