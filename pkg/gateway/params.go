package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var paramsValidator = validator.New(validator.WithRequiredStructEnabled())

// LocationParams is an optional rider position.
type LocationParams struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// ChatSendParams are the params of chat.send.
type ChatSendParams struct {
	UserID   string          `json:"userId" validate:"required,max=128"`
	Text     string          `json:"text" validate:"required,max=4000"`
	Location *LocationParams `json:"location,omitempty"`
}

// UserParams identify one rider.
type UserParams struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// BusUpdateParams are the params of bus.update.
type BusUpdateParams struct {
	BusID     string  `json:"busId" validate:"required,max=64"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Speed     float64 `json:"speed" validate:"gte=0"`
	Heading   float64 `json:"heading" validate:"gte=0,lt=360"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
}

// BusWatchParams are the params of bus.watch. An empty list watches every bus.
type BusWatchParams struct {
	BusIDs []string `json:"busIds" validate:"max=50,dive,required,max=64"`
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// decodeParams maps raw params onto a struct and validates it.
func decodeParams(params map[string]interface{}, out interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return invalidParams("Invalid params: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidParams("Invalid params: %v", err)
	}

	if err := paramsValidator.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return invalidParams("Invalid params: %s", strings.Join(fields, ", "))
		}
		return invalidParams("Invalid params: %v", err)
	}
	return nil
}
