package transport

import (
	"encoding/json"
	"net/http"
)

// ClassifiedResponse is either a PlainResponse or an EncryptedResponse.
type ClassifiedResponse interface {
	classified()
}

// PlainResponse is a response body which needs no decryption.
type PlainResponse struct {
	Body []byte
}

// EncryptedResponse is a response body carrying an "encryptedValue" field.
type EncryptedResponse struct {
	Ciphertext string

	// AuthTag is empty if neither the body nor the headers carried one
	AuthTag string

	// AuthTagSource names where AuthTag was found: "body", HeaderAuthTag or HeaderIV
	AuthTagSource string
}

func (PlainResponse) classified()     {}
func (EncryptedResponse) classified() {}

type encryptedBody struct {
	EncryptedValue *string `json:"encryptedValue"`
	AuthTag        string  `json:"authTag"`
}

// ClassifyResponse inspects a response body once. A JSON object with a
// non-empty string "encryptedValue" is encrypted; anything else, including
// non-JSON bodies, is plain.
//
// The auth tag is taken from the "authTag" body field, else the X-Auth-Tag
// header, else the legacy X-IV header.
func ClassifyResponse(body []byte, header http.Header) ClassifiedResponse {
	var parsed encryptedBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.EncryptedValue == nil || *parsed.EncryptedValue == "" {
		return PlainResponse{Body: body}
	}

	resp := EncryptedResponse{Ciphertext: *parsed.EncryptedValue}

	switch {
	case parsed.AuthTag != "":
		resp.AuthTag, resp.AuthTagSource = parsed.AuthTag, "body"
	case header.Get(HeaderAuthTag) != "":
		resp.AuthTag, resp.AuthTagSource = header.Get(HeaderAuthTag), HeaderAuthTag
	case header.Get(HeaderIV) != "":
		resp.AuthTag, resp.AuthTagSource = header.Get(HeaderIV), HeaderIV
	}

	return resp
}
