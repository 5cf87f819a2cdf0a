package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/darkauth/darkauth/storage"
)

// --- scan helpers ---

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(n sql.NullTime) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return n.Time
}

func intPtrArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func scanIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func jsonArg(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func constantTimeStringEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := 0; i < len(a); i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// --- Users ---

func (c *conn) CreateUser(ctx context.Context, u storage.User) error {
	_, err := c.db.ExecContext(ctx, `
		insert into users (sub, email, name, created_at, password_reset_required)
		values ($1, $2, $3, $4, $5);
	`, u.Sub, u.Email, u.Name, u.CreatedAt, u.PasswordResetRequired)
	if isUniqueViolation(err) {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == "users_pkey" {
			return storage.ErrAlreadyExists
		}
		return storage.ErrConflict
	}
	return err
}

func (c *conn) GetUser(ctx context.Context, sub string) (storage.User, error) {
	var u storage.User
	err := c.db.QueryRowContext(ctx, `
		select sub, email, name, created_at, password_reset_required
		from users where sub = $1;
	`, sub).Scan(&u.Sub, &u.Email, &u.Name, &u.CreatedAt, &u.PasswordResetRequired)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

func (c *conn) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	var u storage.User
	err := c.db.QueryRowContext(ctx, `
		select sub, email, name, created_at, password_reset_required
		from users where email = $1;
	`, email).Scan(&u.Sub, &u.Email, &u.Name, &u.CreatedAt, &u.PasswordResetRequired)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

func (c *conn) UpdateUser(ctx context.Context, sub string, fn func(storage.User) (storage.User, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		var u storage.User
		err := tx.QueryRow(`
			select sub, email, name, created_at, password_reset_required
			from users where sub = $1 for update;
		`, sub).Scan(&u.Sub, &u.Email, &u.Name, &u.CreatedAt, &u.PasswordResetRequired)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(u)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update users set email=$2, name=$3, password_reset_required=$4 where sub=$1;
		`, sub, next.Email, next.Name, next.PasswordResetRequired)
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return err
	})
}

func (c *conn) DeleteUser(ctx context.Context, sub string) error {
	res, err := c.db.ExecContext(ctx, `delete from users where sub = $1;`, sub)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) ListUsers(ctx context.Context, offset, limit int) ([]storage.User, int, error) {
	var total int
	if err := c.db.QueryRowContext(ctx, `select count(*) from users;`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.db.QueryContext(ctx, `
		select sub, email, name, created_at, password_reset_required
		from users order by sub limit $1 offset $2;
	`, limitArg(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []storage.User
	for rows.Next() {
		var u storage.User
		if err := rows.Scan(&u.Sub, &u.Email, &u.Name, &u.CreatedAt, &u.PasswordResetRequired); err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func limitArg(limit int) int64 {
	if limit <= 0 {
		return 1 << 62
	}
	return int64(limit)
}

// --- PAKE records (user) ---

func (c *conn) GetPakeRecord(ctx context.Context, sub string) (storage.PakeRecord, error) {
	var r storage.PakeRecord
	err := c.db.QueryRowContext(ctx, `
		select sub, envelope, server_pubkey, export_key_hash, created_at, current
		from pake_records where sub = $1 and current;
	`, sub).Scan(&r.Sub, &r.Envelope, &r.ServerPubkey, &r.ExportKeyHash, &r.CreatedAt, &r.Current)
	if err == sql.ErrNoRows {
		return storage.PakeRecord{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) PutPakeRecord(ctx context.Context, rec storage.PakeRecord) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`update pake_records set current=false where sub=$1 and current;`, rec.Sub); err != nil {
			return err
		}
		_, err := tx.Exec(`
			insert into pake_records (sub, envelope, server_pubkey, export_key_hash, created_at, current)
			values ($1, $2, $3, $4, $5, true);
		`, rec.Sub, rec.Envelope, rec.ServerPubkey, rec.ExportKeyHash, rec.CreatedAt)
		return err
	})
}

func (c *conn) ListPakeRecordHistory(ctx context.Context, sub string) ([]storage.PakeRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		select sub, envelope, server_pubkey, export_key_hash, created_at, current
		from pake_records where sub = $1 order by created_at;
	`, sub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.PakeRecord
	for rows.Next() {
		var r storage.PakeRecord
		if err := rows.Scan(&r.Sub, &r.Envelope, &r.ServerPubkey, &r.ExportKeyHash, &r.CreatedAt, &r.Current); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Admins ---

func (c *conn) CreateAdmin(ctx context.Context, a storage.Admin) error {
	_, err := c.db.ExecContext(ctx, `
		insert into admins (id, email, name, role, password_reset_required)
		values ($1, $2, $3, $4, $5);
	`, a.ID, a.Email, a.Name, a.Role, a.PasswordResetRequired)
	if isUniqueViolation(err) {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == "admins_pkey" {
			return storage.ErrAlreadyExists
		}
		return storage.ErrConflict
	}
	return err
}

func (c *conn) GetAdmin(ctx context.Context, id string) (storage.Admin, error) {
	var a storage.Admin
	err := c.db.QueryRowContext(ctx, `
		select id, email, name, role, password_reset_required from admins where id = $1;
	`, id).Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.PasswordResetRequired)
	if err == sql.ErrNoRows {
		return storage.Admin{}, storage.ErrNotFound
	}
	return a, err
}

func (c *conn) GetAdminByEmail(ctx context.Context, email string) (storage.Admin, error) {
	var a storage.Admin
	err := c.db.QueryRowContext(ctx, `
		select id, email, name, role, password_reset_required from admins where email = $1;
	`, email).Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.PasswordResetRequired)
	if err == sql.ErrNoRows {
		return storage.Admin{}, storage.ErrNotFound
	}
	return a, err
}

func (c *conn) UpdateAdmin(ctx context.Context, id string, fn func(storage.Admin) (storage.Admin, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		var a storage.Admin
		err := tx.QueryRow(`
			select id, email, name, role, password_reset_required from admins where id = $1 for update;
		`, id).Scan(&a.ID, &a.Email, &a.Name, &a.Role, &a.PasswordResetRequired)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(a)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update admins set email=$2, name=$3, role=$4, password_reset_required=$5 where id=$1;
		`, id, next.Email, next.Name, next.Role, next.PasswordResetRequired)
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return err
	})
}

func (c *conn) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `select count(*) from admins;`).Scan(&n)
	return n, err
}

func (c *conn) GetAdminPakeRecord(ctx context.Context, adminID string) (storage.AdminPakeRecord, error) {
	var r storage.AdminPakeRecord
	err := c.db.QueryRowContext(ctx, `
		select admin_id, envelope, server_pubkey, export_key_hash, created_at, current
		from admin_pake_records where admin_id = $1 and current;
	`, adminID).Scan(&r.AdminID, &r.Envelope, &r.ServerPubkey, &r.ExportKeyHash, &r.CreatedAt, &r.Current)
	if err == sql.ErrNoRows {
		return storage.AdminPakeRecord{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) PutAdminPakeRecord(ctx context.Context, rec storage.AdminPakeRecord) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`update admin_pake_records set current=false where admin_id=$1 and current;`, rec.AdminID); err != nil {
			return err
		}
		_, err := tx.Exec(`
			insert into admin_pake_records (admin_id, envelope, server_pubkey, export_key_hash, created_at, current)
			values ($1, $2, $3, $4, $5, true);
		`, rec.AdminID, rec.Envelope, rec.ServerPubkey, rec.ExportKeyHash, rec.CreatedAt)
		return err
	})
}

// --- Clients ---

func (c *conn) CreateClient(ctx context.Context, cl storage.Client) error {
	_, err := c.db.ExecContext(ctx, `
		insert into clients (client_id, type, token_endpoint_auth_method, require_pkce,
			redirect_uris, post_logout_redirect_uris, grant_types, response_types, scopes,
			allowed_zk_origins, zk_delivery, zk_required, id_token_lifetime_seconds,
			refresh_token_lifetime_seconds, client_secret_enc)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`, cl.ClientID, cl.Type, cl.TokenEndpointAuthMethod, cl.RequirePKCE,
		pq.Array(cl.RedirectURIs), pq.Array(cl.PostLogoutRedirectURIs), pq.Array(cl.GrantTypes),
		pq.Array(cl.ResponseTypes), pq.Array(cl.Scopes), pq.Array(cl.AllowedZKOrigins),
		cl.ZKDelivery, cl.ZKRequired, intPtrArg(cl.IDTokenLifetimeSeconds),
		intPtrArg(cl.RefreshTokenLifetimeSeconds), cl.ClientSecretEnc)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func scanClient(row interface {
	Scan(dest ...any) error
}) (storage.Client, error) {
	var cl storage.Client
	var idTok, refTok sql.NullInt64
	err := row.Scan(&cl.ClientID, &cl.Type, &cl.TokenEndpointAuthMethod, &cl.RequirePKCE,
		pq.Array(&cl.RedirectURIs), pq.Array(&cl.PostLogoutRedirectURIs), pq.Array(&cl.GrantTypes),
		pq.Array(&cl.ResponseTypes), pq.Array(&cl.Scopes), pq.Array(&cl.AllowedZKOrigins),
		&cl.ZKDelivery, &cl.ZKRequired, &idTok, &refTok, &cl.ClientSecretEnc)
	cl.IDTokenLifetimeSeconds = scanIntPtr(idTok)
	cl.RefreshTokenLifetimeSeconds = scanIntPtr(refTok)
	return cl, err
}

const clientCols = `client_id, type, token_endpoint_auth_method, require_pkce,
	redirect_uris, post_logout_redirect_uris, grant_types, response_types, scopes,
	allowed_zk_origins, zk_delivery, zk_required, id_token_lifetime_seconds,
	refresh_token_lifetime_seconds, client_secret_enc`

func (c *conn) GetClient(ctx context.Context, clientID string) (storage.Client, error) {
	cl, err := scanClient(c.db.QueryRowContext(ctx, `select `+clientCols+` from clients where client_id = $1;`, clientID))
	if err == sql.ErrNoRows {
		return storage.Client{}, storage.ErrNotFound
	}
	return cl, err
}

func (c *conn) UpdateClient(ctx context.Context, clientID string, fn func(storage.Client) (storage.Client, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		cl, err := scanClient(tx.QueryRow(`select `+clientCols+` from clients where client_id = $1 for update;`, clientID))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(cl)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update clients set type=$2, token_endpoint_auth_method=$3, require_pkce=$4,
				redirect_uris=$5, post_logout_redirect_uris=$6, grant_types=$7, response_types=$8,
				scopes=$9, allowed_zk_origins=$10, zk_delivery=$11, zk_required=$12,
				id_token_lifetime_seconds=$13, refresh_token_lifetime_seconds=$14, client_secret_enc=$15
			where client_id=$1;
		`, clientID, next.Type, next.TokenEndpointAuthMethod, next.RequirePKCE,
			pq.Array(next.RedirectURIs), pq.Array(next.PostLogoutRedirectURIs), pq.Array(next.GrantTypes),
			pq.Array(next.ResponseTypes), pq.Array(next.Scopes), pq.Array(next.AllowedZKOrigins),
			next.ZKDelivery, next.ZKRequired, intPtrArg(next.IDTokenLifetimeSeconds),
			intPtrArg(next.RefreshTokenLifetimeSeconds), next.ClientSecretEnc)
		return err
	})
}

func (c *conn) DeleteClient(ctx context.Context, clientID string) error {
	res, err := c.db.ExecContext(ctx, `delete from clients where client_id = $1;`, clientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) ListClients(ctx context.Context) ([]storage.Client, error) {
	rows, err := c.db.QueryContext(ctx, `select `+clientCols+` from clients order by client_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Client
	for rows.Next() {
		cl, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

// --- Pending auths ---

func (c *conn) CreatePendingAuth(ctx context.Context, p storage.PendingAuth) error {
	_, err := c.db.ExecContext(ctx, `
		insert into pending_auths (request_id, client_id, redirect_uri, state, nonce,
			code_challenge, code_challenge_method, zk_pub_key, zk_pub_kid, user_sub, origin,
			created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
	`, p.RequestID, p.ClientID, p.RedirectURI, p.State, p.Nonce, p.CodeChallenge,
		p.CodeChallengeMethod, p.ZKPubKey, p.ZKPubKid, p.UserSub, p.Origin, p.CreatedAt, p.ExpiresAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func scanPendingAuth(row interface{ Scan(dest ...any) error }) (storage.PendingAuth, error) {
	var p storage.PendingAuth
	err := row.Scan(&p.RequestID, &p.ClientID, &p.RedirectURI, &p.State, &p.Nonce, &p.CodeChallenge,
		&p.CodeChallengeMethod, &p.ZKPubKey, &p.ZKPubKid, &p.UserSub, &p.Origin, &p.CreatedAt, &p.ExpiresAt)
	return p, err
}

const pendingAuthCols = `request_id, client_id, redirect_uri, state, nonce, code_challenge,
	code_challenge_method, zk_pub_key, zk_pub_kid, user_sub, origin, created_at, expires_at`

func (c *conn) GetPendingAuth(ctx context.Context, requestID string) (storage.PendingAuth, error) {
	p, err := scanPendingAuth(c.db.QueryRowContext(ctx, `select `+pendingAuthCols+` from pending_auths where request_id = $1;`, requestID))
	if err == sql.ErrNoRows {
		return storage.PendingAuth{}, storage.ErrNotFound
	}
	return p, err
}

func (c *conn) BindPendingAuthUser(ctx context.Context, requestID, userSub string) (bool, error) {
	changed := false
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`select user_sub from pending_auths where request_id = $1 for update;`, requestID).Scan(&current)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current != "" {
			changed = false
			return nil
		}
		if _, err := tx.Exec(`update pending_auths set user_sub=$2 where request_id=$1;`, requestID, userSub); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func (c *conn) DeletePendingAuth(ctx context.Context, requestID string) error {
	_, err := c.db.ExecContext(ctx, `delete from pending_auths where request_id = $1;`, requestID)
	return err
}

// --- Authorization codes ---

func (c *conn) CreateAuthCode(ctx context.Context, a storage.AuthCode) error {
	_, err := c.db.ExecContext(ctx, `
		insert into auth_codes (code, client_id, user_sub, redirect_uri, nonce, code_challenge,
			code_challenge_method, expires_at, consumed, has_zk, zk_pub_kid, drk_hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`, a.Code, a.ClientID, a.UserSub, a.RedirectURI, a.Nonce, a.CodeChallenge, a.CodeChallengeMethod,
		a.ExpiresAt, a.Consumed, a.HasZK, a.ZKPubKid, a.DRKHash)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func scanAuthCode(row interface{ Scan(dest ...any) error }) (storage.AuthCode, error) {
	var a storage.AuthCode
	err := row.Scan(&a.Code, &a.ClientID, &a.UserSub, &a.RedirectURI, &a.Nonce, &a.CodeChallenge,
		&a.CodeChallengeMethod, &a.ExpiresAt, &a.Consumed, &a.HasZK, &a.ZKPubKid, &a.DRKHash)
	return a, err
}

const authCodeCols = `code, client_id, user_sub, redirect_uri, nonce, code_challenge,
	code_challenge_method, expires_at, consumed, has_zk, zk_pub_kid, drk_hash`

func (c *conn) GetAuthCode(ctx context.Context, code string) (storage.AuthCode, error) {
	a, err := scanAuthCode(c.db.QueryRowContext(ctx, `select `+authCodeCols+` from auth_codes where code = $1;`, code))
	if err == sql.ErrNoRows {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	return a, err
}

func (c *conn) RedeemAuthCode(ctx context.Context, code string) (bool, storage.AuthCode, error) {
	var (
		changed bool
		rec     storage.AuthCode
	)
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAuthCode(tx.QueryRow(`select `+authCodeCols+` from auth_codes where code = $1 for update;`, code))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.Consumed {
			rec = a
			changed = false
			return nil
		}
		if _, err := tx.Exec(`update auth_codes set consumed=true where code=$1;`, code); err != nil {
			return err
		}
		a.Consumed = true
		rec = a
		changed = true
		return nil
	})
	return changed, rec, err
}

func (c *conn) DeleteAuthCode(ctx context.Context, code string) error {
	_, err := c.db.ExecContext(ctx, `delete from auth_codes where code = $1;`, code)
	return err
}

// --- Sessions ---

func (c *conn) CreateSession(ctx context.Context, s storage.Session) error {
	_, err := c.db.ExecContext(ctx, `
		insert into sessions (session_id_hash, actor, actor_ref, email, name, client_id,
			created_at, expires_at, csrf_secret, otp_required, otp_verified)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
	`, s.SessionIDHash, s.Actor, s.ActorRef, s.Email, s.Name, s.ClientID, s.CreatedAt,
		s.ExpiresAt, s.CSRFSecret, s.OTPRequired, s.OTPVerified)
	return err
}

func scanSession(row interface{ Scan(dest ...any) error }) (storage.Session, error) {
	var s storage.Session
	err := row.Scan(&s.SessionIDHash, &s.Actor, &s.ActorRef, &s.Email, &s.Name, &s.ClientID,
		&s.CreatedAt, &s.ExpiresAt, &s.CSRFSecret, &s.OTPRequired, &s.OTPVerified)
	return s, err
}

const sessionCols = `session_id_hash, actor, actor_ref, email, name, client_id, created_at,
	expires_at, csrf_secret, otp_required, otp_verified`

func (c *conn) GetSession(ctx context.Context, sessionIDHash string) (storage.Session, error) {
	s, err := scanSession(c.db.QueryRowContext(ctx, `select `+sessionCols+` from sessions where session_id_hash = $1;`, sessionIDHash))
	if err == sql.ErrNoRows {
		return storage.Session{}, storage.ErrNotFound
	}
	return s, err
}

func (c *conn) UpdateSession(ctx context.Context, sessionIDHash string, fn func(storage.Session) (storage.Session, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		s, err := scanSession(tx.QueryRow(`select `+sessionCols+` from sessions where session_id_hash = $1 for update;`, sessionIDHash))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(s)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update sessions set email=$2, name=$3, expires_at=$4, otp_required=$5, otp_verified=$6
			where session_id_hash=$1;
		`, sessionIDHash, next.Email, next.Name, next.ExpiresAt, next.OTPRequired, next.OTPVerified)
		return err
	})
}

func (c *conn) DeleteSession(ctx context.Context, sessionIDHash string) error {
	_, err := c.db.ExecContext(ctx, `delete from sessions where session_id_hash = $1;`, sessionIDHash)
	return err
}

// --- Refresh tokens ---

func (c *conn) CreateRefreshToken(ctx context.Context, r storage.RefreshToken) error {
	_, err := c.db.ExecContext(ctx, `
		insert into refresh_tokens (token_hash, session_id_hash, rotated_from_hash, expires_at, consumed)
		values ($1, $2, $3, $4, $5);
	`, r.TokenHash, r.SessionIDHash, r.RotatedFromHash, r.ExpiresAt, r.Consumed)
	return err
}

func (c *conn) GetRefreshToken(ctx context.Context, tokenHash string) (storage.RefreshToken, error) {
	var r storage.RefreshToken
	err := c.db.QueryRowContext(ctx, `
		select token_hash, session_id_hash, rotated_from_hash, expires_at, consumed
		from refresh_tokens where token_hash = $1;
	`, tokenHash).Scan(&r.TokenHash, &r.SessionIDHash, &r.RotatedFromHash, &r.ExpiresAt, &r.Consumed)
	if err == sql.ErrNoRows {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) RotateRefreshToken(ctx context.Context, oldHash string, next storage.RefreshToken) (bool, error) {
	ok := false
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		var (
			consumed bool
			expires  time.Time
		)
		err := tx.QueryRow(`select consumed, expires_at from refresh_tokens where token_hash = $1 for update;`, oldHash).
			Scan(&consumed, &expires)
		if err == sql.ErrNoRows {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		if consumed || time.Now().After(expires) {
			ok = false
			return nil
		}
		if _, err := tx.Exec(`update refresh_tokens set consumed=true where token_hash=$1;`, oldHash); err != nil {
			return err
		}
		_, err = tx.Exec(`
			insert into refresh_tokens (token_hash, session_id_hash, rotated_from_hash, expires_at, consumed)
			values ($1, $2, $3, $4, $5);
		`, next.TokenHash, next.SessionIDHash, next.RotatedFromHash, next.ExpiresAt, next.Consumed)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (c *conn) DeleteRefreshTokensForSession(ctx context.Context, sessionIDHash string) error {
	_, err := c.db.ExecContext(ctx, `delete from refresh_tokens where session_id_hash = $1;`, sessionIDHash)
	return err
}

// --- Permissions ---

func (c *conn) CreatePermission(ctx context.Context, p storage.Permission) error {
	_, err := c.db.ExecContext(ctx, `insert into permissions (key, description) values ($1, $2);`, p.Key, p.Description)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (c *conn) ListPermissions(ctx context.Context) ([]storage.Permission, error) {
	rows, err := c.db.QueryContext(ctx, `select key, description from permissions order by key;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Permission
	for rows.Next() {
		var p storage.Permission
		if err := rows.Scan(&p.Key, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *conn) DeletePermission(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `delete from permissions where key = $1;`, key)
	return err
}

// --- Groups ---

func (c *conn) CreateGroup(ctx context.Context, g storage.Group) error {
	_, err := c.db.ExecContext(ctx, `
		insert into groups (key, name, enable_login, require_otp, permissions)
		values ($1, $2, $3, $4, $5);
	`, g.Key, g.Name, g.EnableLogin, g.RequireOTP, pq.Array(g.Permissions))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func scanGroup(row interface{ Scan(dest ...any) error }) (storage.Group, error) {
	var g storage.Group
	err := row.Scan(&g.Key, &g.Name, &g.EnableLogin, &g.RequireOTP, pq.Array(&g.Permissions))
	return g, err
}

const groupCols = `key, name, enable_login, require_otp, permissions`

func (c *conn) GetGroup(ctx context.Context, key string) (storage.Group, error) {
	g, err := scanGroup(c.db.QueryRowContext(ctx, `select `+groupCols+` from groups where key = $1;`, key))
	if err == sql.ErrNoRows {
		return storage.Group{}, storage.ErrNotFound
	}
	return g, err
}

func (c *conn) UpdateGroup(ctx context.Context, key string, fn func(storage.Group) (storage.Group, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		g, err := scanGroup(tx.QueryRow(`select `+groupCols+` from groups where key = $1 for update;`, key))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(g)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update groups set name=$2, enable_login=$3, require_otp=$4, permissions=$5 where key=$1;
		`, key, next.Name, next.EnableLogin, next.RequireOTP, pq.Array(next.Permissions))
		return err
	})
}

func (c *conn) DeleteGroup(ctx context.Context, key string) error {
	if key == "default" {
		return storage.ErrConflict
	}
	_, err := c.db.ExecContext(ctx, `delete from groups where key = $1;`, key)
	return err
}

func (c *conn) ListGroups(ctx context.Context) ([]storage.Group, error) {
	rows, err := c.db.QueryContext(ctx, `select `+groupCols+` from groups order by key;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *conn) ListUserGroups(ctx context.Context, userSub string) ([]storage.Group, error) {
	rows, err := c.db.QueryContext(ctx, `
		select g.key, g.name, g.enable_login, g.require_otp, g.permissions
		from groups g join user_groups ug on ug.group_key = g.key
		where ug.user_sub = $1 order by g.key;
	`, userSub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *conn) AddUserGroup(ctx context.Context, userSub, groupKey string) error {
	_, err := c.db.ExecContext(ctx, `
		insert into user_groups (user_sub, group_key) values ($1, $2)
		on conflict do nothing;
	`, userSub, groupKey)
	return err
}

func (c *conn) RemoveUserGroup(ctx context.Context, userSub, groupKey string) error {
	_, err := c.db.ExecContext(ctx, `delete from user_groups where user_sub=$1 and group_key=$2;`, userSub, groupKey)
	return err
}

// --- Organizations ---

func (c *conn) CreateOrganization(ctx context.Context, o storage.Organization) error {
	_, err := c.db.ExecContext(ctx, `
		insert into organizations (id, slug, name, force_otp, created_by_user_sub)
		values ($1, $2, $3, $4, $5);
	`, o.ID, o.Slug, o.Name, o.ForceOTP, o.CreatedByUserSub)
	if isUniqueViolation(err) {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Constraint == "organizations_pkey" {
			return storage.ErrAlreadyExists
		}
		return storage.ErrConflict
	}
	return err
}

const orgCols = `id, slug, name, force_otp, created_by_user_sub`

func scanOrg(row interface{ Scan(dest ...any) error }) (storage.Organization, error) {
	var o storage.Organization
	err := row.Scan(&o.ID, &o.Slug, &o.Name, &o.ForceOTP, &o.CreatedByUserSub)
	return o, err
}

func (c *conn) GetOrganization(ctx context.Context, id string) (storage.Organization, error) {
	o, err := scanOrg(c.db.QueryRowContext(ctx, `select `+orgCols+` from organizations where id = $1;`, id))
	if err == sql.ErrNoRows {
		return storage.Organization{}, storage.ErrNotFound
	}
	return o, err
}

func (c *conn) GetOrganizationBySlug(ctx context.Context, slug string) (storage.Organization, error) {
	o, err := scanOrg(c.db.QueryRowContext(ctx, `select `+orgCols+` from organizations where slug = $1;`, slug))
	if err == sql.ErrNoRows {
		return storage.Organization{}, storage.ErrNotFound
	}
	return o, err
}

func (c *conn) UpdateOrganization(ctx context.Context, id string, fn func(storage.Organization) (storage.Organization, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		o, err := scanOrg(tx.QueryRow(`select `+orgCols+` from organizations where id = $1 for update;`, id))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(o)
		if err != nil {
			return err
		}
		if next.Slug != o.Slug {
			return storage.ErrConflict
		}
		_, err = tx.Exec(`update organizations set name=$2, force_otp=$3 where id=$1;`, id, next.Name, next.ForceOTP)
		return err
	})
}

func (c *conn) ListOrganizations(ctx context.Context) ([]storage.Organization, error) {
	rows, err := c.db.QueryContext(ctx, `select `+orgCols+` from organizations order by slug;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (c *conn) CreateOrganizationMember(ctx context.Context, m storage.OrganizationMember) error {
	if m.ID == "" {
		m.ID = storage.NewID()
	}
	_, err := c.db.ExecContext(ctx, `
		insert into organization_members (id, organization_id, user_sub, status, role_keys)
		values ($1, $2, $3, $4, $5);
	`, m.ID, m.OrganizationID, m.UserSub, m.Status, pq.Array(m.RoleKeys))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	return err
}

const orgMemberCols = `id, organization_id, user_sub, status, role_keys`

func scanOrgMember(row interface{ Scan(dest ...any) error }) (storage.OrganizationMember, error) {
	var m storage.OrganizationMember
	err := row.Scan(&m.ID, &m.OrganizationID, &m.UserSub, &m.Status, pq.Array(&m.RoleKeys))
	return m, err
}

func (c *conn) GetOrganizationMember(ctx context.Context, orgID, userSub string) (storage.OrganizationMember, error) {
	m, err := scanOrgMember(c.db.QueryRowContext(ctx, `
		select `+orgMemberCols+` from organization_members where organization_id = $1 and user_sub = $2;
	`, orgID, userSub))
	if err == sql.ErrNoRows {
		return storage.OrganizationMember{}, storage.ErrNotFound
	}
	return m, err
}

func (c *conn) UpdateOrganizationMember(ctx context.Context, id string, fn func(storage.OrganizationMember) (storage.OrganizationMember, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		m, err := scanOrgMember(tx.QueryRow(`select `+orgMemberCols+` from organization_members where id = $1 for update;`, id))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(m)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`update organization_members set status=$2, role_keys=$3 where id=$1;`, id, next.Status, pq.Array(next.RoleKeys))
		return err
	})
}

func (c *conn) ListOrganizationMembersForUser(ctx context.Context, userSub string) ([]storage.OrganizationMember, error) {
	rows, err := c.db.QueryContext(ctx, `select `+orgMemberCols+` from organization_members where user_sub = $1;`, userSub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.OrganizationMember
	for rows.Next() {
		m, err := scanOrgMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Roles ---

func (c *conn) CreateRole(ctx context.Context, r storage.Role) error {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	_, err := c.db.ExecContext(ctx, `
		insert into roles (id, key, name, system, permissions) values ($1, $2, $3, $4, $5);
	`, r.ID, r.Key, r.Name, r.System, pq.Array(r.Permissions))
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

const roleCols = `id, key, name, system, permissions`

func scanRole(row interface{ Scan(dest ...any) error }) (storage.Role, error) {
	var r storage.Role
	err := row.Scan(&r.ID, &r.Key, &r.Name, &r.System, pq.Array(&r.Permissions))
	return r, err
}

func (c *conn) GetRole(ctx context.Context, key string) (storage.Role, error) {
	r, err := scanRole(c.db.QueryRowContext(ctx, `select `+roleCols+` from roles where key = $1;`, key))
	if err == sql.ErrNoRows {
		return storage.Role{}, storage.ErrNotFound
	}
	return r, err
}

func (c *conn) ListRoles(ctx context.Context) ([]storage.Role, error) {
	rows, err := c.db.QueryContext(ctx, `select `+roleCols+` from roles order by key;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *conn) UpdateRole(ctx context.Context, key string, fn func(storage.Role) (storage.Role, error)) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRole(tx.QueryRow(`select `+roleCols+` from roles where key = $1 for update;`, key))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := fn(r)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`update roles set name=$2, permissions=$3 where key=$1;`, key, next.Name, pq.Array(next.Permissions))
		return err
	})
}

// --- User direct permissions ---

func (c *conn) ListUserPermissions(ctx context.Context, userSub string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `select permission_key from user_permissions where user_sub = $1;`, userSub)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *conn) GrantUserPermission(ctx context.Context, userSub, key string) error {
	_, err := c.db.ExecContext(ctx, `
		insert into user_permissions (user_sub, permission_key) values ($1, $2)
		on conflict do nothing;
	`, userSub, key)
	return err
}

func (c *conn) RevokeUserPermission(ctx context.Context, userSub, key string) error {
	_, err := c.db.ExecContext(ctx, `delete from user_permissions where user_sub=$1 and permission_key=$2;`, userSub, key)
	return err
}

// --- OTP ---

func (c *conn) GetOTPCredential(ctx context.Context, kind storage.ActorKind, ref string) (storage.OTPCredential, error) {
	var (
		cred               storage.OTPCredential
		lastUsed, lockedTo sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, `
		select actor_kind, actor_ref, secret_enc, enabled, verified, created_at,
			last_used_at, failure_count, locked_until, last_step
		from otp_credentials where actor_kind = $1 and actor_ref = $2;
	`, kind, ref).Scan(&cred.ActorKind, &cred.ActorRef, &cred.SecretEnc, &cred.Enabled, &cred.Verified,
		&cred.CreatedAt, &lastUsed, &cred.FailureCount, &lockedTo, &cred.LastStep)
	if err == sql.ErrNoRows {
		return storage.OTPCredential{}, storage.ErrNotFound
	}
	cred.LastUsedAt = scanTime(lastUsed)
	cred.LockedUntil = scanTime(lockedTo)
	return cred, err
}

func (c *conn) PutOTPCredential(ctx context.Context, cred storage.OTPCredential) error {
	_, err := c.db.ExecContext(ctx, `
		insert into otp_credentials (actor_kind, actor_ref, secret_enc, enabled, verified,
			created_at, last_used_at, failure_count, locked_until, last_step)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (actor_kind, actor_ref) do update set
			secret_enc=excluded.secret_enc, enabled=excluded.enabled, verified=excluded.verified,
			last_used_at=excluded.last_used_at, failure_count=excluded.failure_count,
			locked_until=excluded.locked_until, last_step=excluded.last_step;
	`, cred.ActorKind, cred.ActorRef, cred.SecretEnc, cred.Enabled, cred.Verified, cred.CreatedAt,
		timeArg(cred.LastUsedAt), cred.FailureCount, timeArg(cred.LockedUntil), cred.LastStep)
	return err
}

func (c *conn) DeleteOTPCredential(ctx context.Context, kind storage.ActorKind, ref string) error {
	_, err := c.db.ExecContext(ctx, `delete from otp_credentials where actor_kind=$1 and actor_ref=$2;`, kind, ref)
	return err
}

// --- Email verification tokens ---

func (c *conn) CreateEmailVerificationToken(ctx context.Context, t storage.EmailVerificationToken) error {
	_, err := c.db.ExecContext(ctx, `
		insert into email_verification_tokens (token, user_sub, purpose, target_email, expires_at, consumed_at)
		values ($1, $2, $3, $4, $5, $6);
	`, t.Token, t.UserSub, t.Purpose, t.TargetEmail, t.ExpiresAt, timeArg(t.ConsumedAt))
	return err
}

func scanEmailToken(row interface{ Scan(dest ...any) error }) (storage.EmailVerificationToken, error) {
	var (
		t         storage.EmailVerificationToken
		consumed  sql.NullTime
	)
	err := row.Scan(&t.Token, &t.UserSub, &t.Purpose, &t.TargetEmail, &t.ExpiresAt, &consumed)
	t.ConsumedAt = scanTime(consumed)
	return t, err
}

const emailTokenCols = `token, user_sub, purpose, target_email, expires_at, consumed_at`

func (c *conn) GetEmailVerificationToken(ctx context.Context, token string) (storage.EmailVerificationToken, error) {
	t, err := scanEmailToken(c.db.QueryRowContext(ctx, `select `+emailTokenCols+` from email_verification_tokens where token = $1;`, token))
	if err == sql.ErrNoRows {
		return storage.EmailVerificationToken{}, storage.ErrNotFound
	}
	return t, err
}

func (c *conn) ConsumeEmailVerificationToken(ctx context.Context, token string) (bool, storage.EmailVerificationToken, error) {
	var (
		ok  bool
		rec storage.EmailVerificationToken
	)
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		t, err := scanEmailToken(tx.QueryRow(`select `+emailTokenCols+` from email_verification_tokens where token = $1 for update;`, token))
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !t.ConsumedAt.IsZero() {
			rec = t
			ok = false
			return nil
		}
		t.ConsumedAt = time.Now()
		if _, err := tx.Exec(`update email_verification_tokens set consumed_at=$2 where token=$1;`, token, t.ConsumedAt); err != nil {
			return err
		}
		rec = t
		ok = true
		return nil
	})
	return ok, rec, err
}

func (c *conn) InvalidateActiveEmailVerificationTokens(ctx context.Context, userSub string, purpose storage.VerificationPurpose) error {
	_, err := c.db.ExecContext(ctx, `
		update email_verification_tokens set consumed_at = now()
		where user_sub = $1 and purpose = $2 and consumed_at is null;
	`, userSub, purpose)
	return err
}

// --- Install bootstrap ---

func (c *conn) GetInstallState(ctx context.Context) (storage.InstallState, error) {
	var (
		s        storage.InstallState
		consumed sql.NullBool
	)
	err := c.db.QueryRowContext(ctx, `select token, created_at, consumed from install_state where id = true;`).
		Scan(&s.Token, &s.CreatedAt, &consumed)
	if err == sql.ErrNoRows {
		return storage.InstallState{}, nil
	}
	s.Consumed = consumed.Bool
	return s, err
}

func (c *conn) SetInstallState(ctx context.Context, s storage.InstallState) error {
	_, err := c.db.ExecContext(ctx, `
		insert into install_state (id, token, created_at, consumed) values (true, $1, $2, $3)
		on conflict (id) do update set token=excluded.token, created_at=excluded.created_at, consumed=excluded.consumed;
	`, s.Token, s.CreatedAt, s.Consumed)
	return err
}

func (c *conn) ConsumeInstallToken(ctx context.Context, token string) (bool, error) {
	ok := false
	err := c.execTx(ctx, func(tx *sql.Tx) error {
		var (
			current  string
			consumed bool
		)
		err := tx.QueryRow(`select token, consumed from install_state where id = true for update;`).Scan(&current, &consumed)
		if err == sql.ErrNoRows {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		if consumed || !constantTimeStringEqual(current, token) {
			ok = false
			return nil
		}
		if _, err := tx.Exec(`update install_state set consumed=true where id=true;`); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// --- JWKS ---

func (c *conn) ListSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	rows, err := c.db.QueryContext(ctx, `
		select kid, alg, public_key, private_enc, created_at, active from signing_keys order by created_at;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.SigningKey
	for rows.Next() {
		var (
			k      storage.SigningKey
			pubRaw []byte
		)
		if err := rows.Scan(&k.Kid, &k.Alg, &pubRaw, &k.PrivateEnc, &k.CreatedAt, &k.Active); err != nil {
			return nil, err
		}
		if len(pubRaw) > 0 {
			var jwk jose.JSONWebKey
			if err := json.Unmarshal(pubRaw, &jwk); err != nil {
				return nil, err
			}
			k.PublicKey = &jwk
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *conn) PutSigningKey(ctx context.Context, k storage.SigningKey) error {
	pub, err := jsonArg(k.PublicKey)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		insert into signing_keys (kid, alg, public_key, private_enc, created_at, active)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (kid) do update set alg=excluded.alg, public_key=excluded.public_key,
			private_enc=excluded.private_enc, active=excluded.active;
	`, k.Kid, k.Alg, pub, k.PrivateEnc, k.CreatedAt, k.Active)
	if err != nil {
		return err
	}
	if k.Active {
		return c.SetActiveSigningKey(ctx, k.Kid)
	}
	return nil
}

func (c *conn) SetActiveSigningKey(ctx context.Context, kid string) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRow(`select exists(select 1 from signing_keys where kid=$1);`, kid).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
		if _, err := tx.Exec(`update signing_keys set active = (kid = $1);`, kid); err != nil {
			return err
		}
		return nil
	})
}

// --- Settings ---

func (c *conn) GetSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := c.db.QueryRowContext(ctx, `select value from settings where key = $1;`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	return v, err == nil, err
}

func (c *conn) PutSetting(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx, `
		insert into settings (key, value) values ($1, $2)
		on conflict (key) do update set value=excluded.value;
	`, key, value)
	return err
}

func (c *conn) ListSettings(ctx context.Context) (map[string][]byte, error) {
	rows, err := c.db.QueryContext(ctx, `select key, value from settings;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- PAKE ceremonies ---

func (c *conn) CreatePakeCeremony(ctx context.Context, ce storage.PakeCeremony) error {
	_, err := c.db.ExecContext(ctx, `
		insert into pake_ceremonies (session_id, purpose, email, transcript, actor_kind, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7);
	`, ce.SessionID, ce.Purpose, ce.Email, ce.Transcript, ce.ActorKind, ce.CreatedAt, ce.ExpiresAt)
	return err
}

func (c *conn) GetPakeCeremony(ctx context.Context, sessionID string) (storage.PakeCeremony, error) {
	var ce storage.PakeCeremony
	err := c.db.QueryRowContext(ctx, `
		select session_id, purpose, email, transcript, actor_kind, created_at, expires_at
		from pake_ceremonies where session_id = $1;
	`, sessionID).Scan(&ce.SessionID, &ce.Purpose, &ce.Email, &ce.Transcript, &ce.ActorKind, &ce.CreatedAt, &ce.ExpiresAt)
	if err == sql.ErrNoRows {
		return storage.PakeCeremony{}, storage.ErrNotFound
	}
	return ce, err
}

func (c *conn) DeletePakeCeremony(ctx context.Context, sessionID string) error {
	_, err := c.db.ExecContext(ctx, `delete from pake_ceremonies where session_id = $1;`, sessionID)
	return err
}

// --- ZK wrapped DRK ---

func (c *conn) GetWrappedDRK(ctx context.Context, userSub, kid string) (storage.WrappedDRK, error) {
	var w storage.WrappedDRK
	err := c.db.QueryRowContext(ctx, `
		select user_sub, kid, blob, updated_at from wrapped_drks where user_sub = $1 and kid = $2;
	`, userSub, kid).Scan(&w.UserSub, &w.Kid, &w.Blob, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.WrappedDRK{}, storage.ErrNotFound
	}
	return w, err
}

func (c *conn) PutWrappedDRK(ctx context.Context, w storage.WrappedDRK) error {
	_, err := c.db.ExecContext(ctx, `
		insert into wrapped_drks (user_sub, kid, blob, updated_at) values ($1, $2, $3, $4)
		on conflict (user_sub, kid) do update set blob=excluded.blob, updated_at=excluded.updated_at;
	`, w.UserSub, w.Kid, w.Blob, w.UpdatedAt)
	return err
}

// --- Audit ---

func (c *conn) AppendAuditEvent(ctx context.Context, e storage.AuditEvent) error {
	if e.ID == "" {
		e.ID = storage.NewID()
	}
	details, err := jsonArg(e.Details)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		insert into audit_events (id, event_type, actor_kind, actor_id, resource_type, resource_id,
			method, path, status_code, ip_address, user_agent, success, error_message, details, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
	`, e.ID, e.EventType, e.ActorKind, e.ActorID, e.ResourceType, e.ResourceID, e.Method, e.Path,
		e.StatusCode, e.IPAddress, e.UserAgent, e.Success, e.ErrorMessage, details, e.CreatedAt)
	return err
}

func (c *conn) ListAuditEvents(ctx context.Context, offset, limit int) ([]storage.AuditEvent, int, error) {
	var total int
	if err := c.db.QueryRowContext(ctx, `select count(*) from audit_events;`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := c.db.QueryContext(ctx, `
		select id, event_type, actor_kind, actor_id, resource_type, resource_id, method, path,
			status_code, ip_address, user_agent, success, error_message, details, created_at
		from audit_events order by created_at desc limit $1 offset $2;
	`, limitArg(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []storage.AuditEvent
	for rows.Next() {
		var (
			e          storage.AuditEvent
			detailsRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.ActorKind, &e.ActorID, &e.ResourceType, &e.ResourceID,
			&e.Method, &e.Path, &e.StatusCode, &e.IPAddress, &e.UserAgent, &e.Success, &e.ErrorMessage,
			&detailsRaw, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &e.Details); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// --- GarbageCollect ---

func (c *conn) GarbageCollect(ctx context.Context, now time.Time, grace time.Duration) (storage.GCResult, error) {
	var res storage.GCResult
	cutoff := now.Add(-grace)

	r, err := c.db.ExecContext(ctx, `delete from pending_auths where expires_at < $1;`, cutoff)
	if err != nil {
		return res, err
	}
	res.PendingAuths, _ = r.RowsAffected()

	r, err = c.db.ExecContext(ctx, `delete from auth_codes where consumed or expires_at < $1;`, cutoff)
	if err != nil {
		return res, err
	}
	res.AuthCodes, _ = r.RowsAffected()

	r, err = c.db.ExecContext(ctx, `delete from sessions where expires_at < $1;`, cutoff)
	if err != nil {
		return res, err
	}
	res.Sessions, _ = r.RowsAffected()

	r, err = c.db.ExecContext(ctx, `delete from refresh_tokens where consumed or expires_at < $1;`, cutoff)
	if err != nil {
		return res, err
	}
	res.RefreshTokens, _ = r.RowsAffected()

	return res, nil
}
