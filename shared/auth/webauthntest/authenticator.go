// Package webauthntest 提供软件模拟的ES256认证器，生成浏览器格式的注册与断言响应
package webauthntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	flagUserPresent  = 0x01
	flagAttestedData = 0x40

	coseKeyTypeEC2  = 2
	coseAlgES256    = -7
	coseCurveP256   = 1
	coordinateBytes = 32
)

var b64url = base64.RawURLEncoding

// Authenticator 软件认证器，复制结构体可得到共享密钥的变体
type Authenticator struct {
	key *ecdsa.PrivateKey
	// CredentialID base64url编码的凭证标识
	CredentialID string
	RPID         string
	Origin       string
	// UserHandle 断言时返回的用户句柄，为空时不返回
	UserHandle []byte
}

// New 创建认证器
func New(rpID, origin string, credentialID []byte) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		key:          key,
		CredentialID: b64url.EncodeToString(credentialID),
		RPID:         rpID,
		Origin:       origin,
	}, nil
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

type credentialResponse struct {
	ID       string                 `json:"id"`
	RawID    string                 `json:"rawId"`
	Type     string                 `json:"type"`
	Response map[string]interface{} `json:"response"`
}

// Register 生成none证明格式的注册响应
func (a *Authenticator) Register(challenge string) (string, error) {
	rawID, err := b64url.DecodeString(a.CredentialID)
	if err != nil {
		return "", err
	}
	coseKey, err := a.coseKey()
	if err != nil {
		return "", err
	}

	authData := a.authData(flagUserPresent|flagAttestedData, 0)
	authData = append(authData, make([]byte, 16)...) // AAGUID
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(rawID)))
	authData = append(authData, rawID...)
	authData = append(authData, coseKey...)

	mode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return "", err
	}
	attestation, err := mode.Marshal(map[string]interface{}{
		"fmt":      "none",
		"attStmt":  map[string]interface{}{},
		"authData": authData,
	})
	if err != nil {
		return "", err
	}

	cd, err := a.clientData("webauthn.create", challenge)
	if err != nil {
		return "", err
	}
	return a.encode(map[string]interface{}{
		"clientDataJSON":    b64url.EncodeToString(cd),
		"attestationObject": b64url.EncodeToString(attestation),
		"transports":        []string{"internal"},
	})
}

// Assert 生成指定计数器的断言响应
func (a *Authenticator) Assert(challenge string, counter uint32) (string, error) {
	authData := a.authData(flagUserPresent, counter)
	cd, err := a.clientData("webauthn.get", challenge)
	if err != nil {
		return "", err
	}
	clientHash := sha256.Sum256(cd)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		return "", err
	}

	response := map[string]interface{}{
		"clientDataJSON":    b64url.EncodeToString(cd),
		"authenticatorData": b64url.EncodeToString(authData),
		"signature":         b64url.EncodeToString(sig),
	}
	if len(a.UserHandle) > 0 {
		response["userHandle"] = b64url.EncodeToString(a.UserHandle)
	}
	return a.encode(response)
}

func (a *Authenticator) authData(flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(a.RPID))
	data := append([]byte{}, rpHash[:]...)
	data = append(data, flags)
	return binary.BigEndian.AppendUint32(data, counter)
}

func (a *Authenticator) clientData(typ, challenge string) ([]byte, error) {
	return json.Marshal(clientData{Type: typ, Challenge: challenge, Origin: a.Origin})
}

// coseKey 按CTAP2规范编码公钥
func (a *Authenticator) coseKey() ([]byte, error) {
	mode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	pub, err := a.key.PublicKey.ECDH()
	if err != nil {
		return nil, err
	}
	// 未压缩点格式 0x04 || X || Y
	point := pub.Bytes()
	x, y := point[1:1+coordinateBytes], point[1+coordinateBytes:]
	key, err := mode.Marshal(map[int]interface{}{
		1:  coseKeyTypeEC2,
		3:  coseAlgES256,
		-1: coseCurveP256,
		-2: x,
		-3: y,
	})
	if err != nil {
		return nil, fmt.Errorf("编码COSE公钥失败: %w", err)
	}
	return key, nil
}

func (a *Authenticator) encode(response map[string]interface{}) (string, error) {
	raw, err := json.Marshal(credentialResponse{
		ID:       a.CredentialID,
		RawID:    a.CredentialID,
		Type:     "public-key",
		Response: response,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
