package services

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cloud-platform/identity-core/shared/auth"
	"github.com/cloud-platform/identity-core/shared/auth/webauthntest"
	"github.com/cloud-platform/identity-core/shared/database"
	"github.com/cloud-platform/identity-core/shared/logger"
	"github.com/cloud-platform/identity-core/shared/models"
)

const (
	testEncryptionKey = "test_mfa_encryption_key_32_chars_minimum_here"
	testRPID          = "example.com"
	testOrigin        = "https://app.example.com"
	testPassword = "CorrectHorse!2024"
	publicIP     = "203.0.113.10"
)

var smsCodePattern = regexp.MustCompile(`\d{6}`)

func newTestDB(t *testing.T) *database.PostgresDB {
	t.Helper()
	db, err := database.NewSQLite(":memory:", gormlogger.Silent)
	require.NoError(t, err)
	require.NoError(t, db.GetDB().AutoMigrate(models.AllModels()...))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func createTestUser(t *testing.T, db *database.PostgresDB, username, role string) *models.User {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	user := &models.User{
		Email:        username + "@example.com",
		Username:     username,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     username,
		Role:         role,
		IsActive:     true,
	}
	require.NoError(t, db.GetDB().Create(user).Error)
	return user
}

// recordingAudit 记录全部审计事件
type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingAudit) Record(event AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) count(eventType models.AuditEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (r *recordingAudit) last(eventType models.AuditEventType) *AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == eventType {
			e := r.events[i]
			return &e
		}
	}
	return nil
}

// fakeSMS 记录发送的短信
type fakeSMS struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (f *fakeSMS) Send(_ context.Context, _ string, message string) (*SMSResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &SMSResult{Success: false, Error: "gateway down"}, nil
	}
	f.messages = append(f.messages, message)
	return &SMSResult{Success: true, ProviderMessageID: uuid.NewString()}, nil
}

func (f *fakeSMS) lastCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.messages, "没有发送短信")
	code := smsCodePattern.FindString(f.messages[len(f.messages)-1])
	require.NotEmpty(t, code)
	return code
}

func (f *fakeSMS) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type mfaFixture struct {
	db     *database.PostgresDB
	svc    *MFAService
	totp   *auth.TOTPFactor
	sms    *fakeSMS
	audit  *recordingAudit
	policy *MFAPolicy
}

func newMFAFixture(t *testing.T, policyCfg MFAPolicyConfig) *mfaFixture {
	t.Helper()
	db := newTestDB(t)

	codec, err := auth.NewSecretCodec(testEncryptionKey)
	require.NoError(t, err)
	policy, err := NewMFAPolicy(policyCfg)
	require.NoError(t, err)

	totp := auth.NewTOTPFactor(auth.TOTPConfig{Issuer: "Test"})
	webAuthn, err := auth.NewWebAuthnFactor(auth.WebAuthnConfig{RPID: testRPID, RPName: "Example", Origins: []string{testOrigin}})
	require.NoError(t, err)
	factors := auth.NewFactorRegistry(totp, auth.NewSMSFactor(5*time.Minute), webAuthn)

	sms := &fakeSMS{}
	audit := &recordingAudit{}
	svc := NewMFAService(db, codec, factors, policy, sms, audit, MFAServiceConfig{
		Issuer:             "Test",
		SessionTTL:         10 * time.Minute,
		MaxSessionAttempts: 3,
		LockoutThreshold:   5,
		LockoutDuration:    15 * time.Minute,
		BackupCodeCount:    10,
	}, logger.NewNopLogger())

	return &mfaFixture{db: db, svc: svc, totp: totp, sms: sms, audit: audit, policy: policy}
}

// enrollTOTP 完成TOTP注册，返回密钥与备用码
func (f *mfaFixture) enrollTOTP(t *testing.T, userID uuid.UUID) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.Setup(ctx, &MFASetupRequest{UserID: userID, MethodType: auth.MethodTOTP, AccountName: "user"})
	require.NoError(t, err)

	secret, ok := setup.Material["secret"].(string)
	require.True(t, ok)
	code, err := f.totp.GenerateCode(secret, time.Now().UTC())
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmSetup(ctx, userID, setup.MethodID, code, RequestMeta{IPAddress: publicIP})
	require.NoError(t, err)
	return secret, confirmed.BackupCodes
}

// enrollSMS 完成短信注册
func (f *mfaFixture) enrollSMS(t *testing.T, userID uuid.UUID) []string {
	t.Helper()
	ctx := context.Background()
	setup, err := f.svc.Setup(ctx, &MFASetupRequest{UserID: userID, MethodType: auth.MethodSMS, PhoneNumber: "+8613800138000"})
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmSetup(ctx, userID, setup.MethodID, f.sms.lastCode(t), RequestMeta{IPAddress: publicIP})
	require.NoError(t, err)
	return confirmed.BackupCodes
}

// softAuthenticator 软件模拟的ES256认证器
type softAuthenticator struct {
	*webauthntest.Authenticator
}

func newSoftAuthenticator(t *testing.T, id string) *softAuthenticator {
	t.Helper()
	device, err := webauthntest.New(testRPID, testOrigin, []byte(id))
	require.NoError(t, err)
	return &softAuthenticator{Authenticator: device}
}

func (a *softAuthenticator) register(t *testing.T, challenge string) string {
	t.Helper()
	proof, err := a.Register(challenge)
	require.NoError(t, err)
	return proof
}

func (a *softAuthenticator) assert(t *testing.T, challenge string, counter uint32) string {
	t.Helper()
	proof, err := a.Assert(challenge, counter)
	require.NoError(t, err)
	return proof
}
