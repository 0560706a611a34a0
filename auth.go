package gramdb

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pinHashScheme     = "pbkdf2"
	pinHashIterations = 60000
	pinSaltBytes      = 16
	pinKeyBytes       = 32

	// hashes arrive by replication, so their cost parameters are untrusted
	maxPINHashIterations = 10 * pinHashIterations
	maxPINKeyBytes       = 64
)

// HashPIN derives a storable digest of pin: pbkdf2$<iterations>$<salt>$<key>
// with hex-encoded salt and key.
func HashPIN(pin string) (string, error) {
	salt := make([]byte, pinSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(pin), salt, pinHashIterations, pinKeyBytes, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", pinHashScheme, pinHashIterations, hex.EncodeToString(salt), hex.EncodeToString(key)), nil
}

// VerifyPIN reports whether pin matches hash. Besides the pbkdf2 format it
// accepts the unsalted hex SHA-256 digests written by earlier app versions.
func VerifyPIN(hash, pin string) bool {
	if isLegacyPINHash(hash) {
		sum := sha256.Sum256([]byte(pin))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(hash))) == 1
	}

	parts := strings.Split(hash, "$")
	if len(parts) != 4 || parts[0] != pinHashScheme {
		return false
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter <= 0 || iter > maxPINHashIterations {
		return false
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[3])
	if err != nil || len(want) == 0 || len(want) > maxPINKeyBytes {
		return false
	}
	got := pbkdf2.Key([]byte(pin), salt, iter, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func isLegacyPINHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// SignupRequest holds the profile of a new account.
type SignupRequest struct {
	Name           string
	Role           string
	AvatarID       string
	PIN            string
	ClassID        string
	TeacherClassID string
	Medium         string
	Birthdate      string
	RollNo         string
	SchoolName     string
	VillageName    string
	State          string
	Country        string
	Phone          string
}

// Signup creates a user and makes it the active user.
func (db *DB) Signup(ctx context.Context, req SignupRequest) (User, error) {
	if req.PIN == "" {
		return User{}, newValidationError(CollectionUsers, "pin", "is required")
	}
	hash, err := HashPIN(req.PIN)
	if err != nil {
		return User{}, err
	}

	u := User{
		ID:             newID(),
		Name:           strings.TrimSpace(req.Name),
		Role:           req.Role,
		AvatarID:       req.AvatarID,
		PinHash:        hash,
		TeacherClassID: req.TeacherClassID,
		Medium:         req.Medium,
		Birthdate:      req.Birthdate,
		RollNo:         req.RollNo,
		SchoolName:     req.SchoolName,
		VillageName:    req.VillageName,
		State:          req.State,
		Country:        req.Country,
		Phone:          req.Phone,
		CreatedAt:      db.now().UnixMilli(),
	}
	if u.Name == "" {
		u.Name = "Anonymous"
	}
	if u.Role == "" {
		u.Role = RoleStudent
	}
	if u.AvatarID == "" {
		u.AvatarID = "🚀"
	}
	if u.Medium == "" {
		u.Medium = MediumEnglish
	}
	if req.ClassID != "" {
		classID := req.ClassID
		if d := digitsOnly(classID); d != "" {
			classID = d
		}
		u.ClassID = &classID
	}

	if _, err := db.Users().Insert(ctx, u); err != nil {
		return User{}, err
	}
	if err := db.side.SetActiveUser(ctx, u.ID); err != nil {
		return User{}, err
	}
	db.logger.Info("user signed up", "id", u.ID, "role", u.Role)
	return u, nil
}

// Login checks pin against the stored hash and makes the user active. A
// legacy hash is upgraded on success.
func (db *DB) Login(ctx context.Context, userID, pin string) (User, error) {
	u, err := db.userByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !VerifyPIN(u.PinHash, pin) {
		return User{}, ErrInvalidPIN
	}
	if isLegacyPINHash(u.PinHash) {
		if hash, err := HashPIN(pin); err == nil {
			if _, err := db.Users().Patch(ctx, u.ID, map[string]any{"pinHash": hash}); err != nil {
				db.logger.Warn("failed to upgrade pin hash", "id", u.ID, "err", err)
			} else {
				u.PinHash = hash
			}
		}
	}
	if err := db.side.SetActiveUser(ctx, u.ID); err != nil {
		return User{}, err
	}
	return u, nil
}

// Logout clears the active user.
func (db *DB) Logout(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.side.SetActiveUser(ctx, "")
}

// CurrentUser returns the active user or ErrNoActiveUser. A pointer to a
// user that no longer exists is cleared.
func (db *DB) CurrentUser(ctx context.Context) (User, error) {
	id, err := db.side.ActiveUser(ctx)
	if err != nil {
		return User{}, err
	}
	if id == "" {
		return User{}, ErrNoActiveUser
	}
	u, err := db.userByID(ctx, id)
	if IsNotFound(err) {
		_ = db.side.SetActiveUser(ctx, "")
		return User{}, ErrNoActiveUser
	}
	return u, err
}

// ListUsers returns every profile on the device, newest first.
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	docs, err := db.Users().Query(ctx, Query{SortBy: "createdAt", Descending: true})
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(docs))
	for _, doc := range docs {
		u, err := UserFromDocument(doc)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (db *DB) userByID(ctx context.Context, id string) (User, error) {
	doc, err := db.Users().FindOne(ctx, id)
	if err != nil {
		return User{}, err
	}
	if doc == nil {
		return User{}, &NotFoundError{Collection: CollectionUsers, ID: id}
	}
	return UserFromDocument(doc)
}
