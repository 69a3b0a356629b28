package liveview

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// client credentials for one stack endpoint
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

// claims extracted from a stack access token.
// the token is parsed unverified. verification is the stack's job,
// these values are for routing and diagnostics only.
type ByJwt struct {
	StackId     Id
	ProjectId   Id
	NetworkName string
	ExpiresAt   time.Time
}

func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if stackIdStr, ok := claims["stack_id"].(string); ok {
		if stackId, err := ParseId(stackIdStr); err == nil {
			byJwt.StackId = stackId
		}
	}
	if projectIdStr, ok := claims["project_id"].(string); ok {
		if projectId, err := ParseId(projectIdStr); err == nil {
			byJwt.ProjectId = projectId
		}
	}
	if networkName, ok := claims["network_name"].(string); ok {
		byJwt.NetworkName = networkName
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		byJwt.ExpiresAt = expiresAt.Time
	}

	return byJwt, nil
}
