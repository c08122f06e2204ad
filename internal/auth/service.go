package auth

// Service authenticates the configured operator and issues tokens.
type Service struct {
	username string
	passHash string
	jwt      *JWTManager
}

// NewService creates an authentication service for a single operator
// account. passHash is the bcrypt hash of the operator password.
func NewService(username, passHash string, jwt *JWTManager) *Service {
	return &Service{
		username: username,
		passHash: passHash,
		jwt:      jwt,
	}
}

// Login checks the operator credentials and returns a bearer token. The
// password hash is always compared so a wrong username costs the same
// time as a wrong password.
func (s *Service) Login(req LoginRequest) (*LoginResponse, error) {
	userOK := req.Username == s.username
	passOK := VerifyPassword(req.Password, s.passHash)
	if !userOK || !passOK {
		return nil, ErrInvalidCredentials
	}

	token, err := s.jwt.GenerateToken(req.Username)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		Token:     token,
		ExpiresIn: s.jwt.TokenDurationSeconds(),
		TokenType: "Bearer",
	}, nil
}
