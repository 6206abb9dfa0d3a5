package healer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"Error: Cannot find module 'lodash'", "lodash"},
		{"Cannot find package 'express' imported from /app/index.js", "express"},
		{"Can't resolve 'lodash/fp' in '/app/src'", "lodash"},
		{"Cannot find module '@scope/pkg/sub/path'", "@scope/pkg"},
		{"Cannot find module './utils'", ""},
		{"Cannot find module '/app/dist/server.js'", ""},
		{"Cannot find module 'node:fs'", ""},
		{"something else entirely", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractPackageName(tt.msg), tt.msg)
	}
}

func TestTypesPackageName(t *testing.T) {
	assert.Equal(t, "@types/express", typesPackageName("express"))
	assert.Equal(t, "@types/babel__core", typesPackageName("@babel/core"))
}

func TestExtractPeerVersion(t *testing.T) {
	tests := []struct {
		msg         string
		pkg, constr string
	}{
		{`npm ERR! peer react@"^17.0.0" from react-dom@17.0.2`, "react", "^17.0.0"},
		{`npm WARN eslint-plugin-x@1.0.0 requires a peer of eslint@^7.0.0 but none is installed.`, "eslint", "^7.0.0"},
		{`has incorrect peer dependency "@types/react@^17"`, "@types/react", "^17"},
		{`No matching version found for left-pad@^9.9.9.`, "left-pad", "latest"},
		{`npm ERR! ERESOLVE unable to resolve dependency tree`, "", ""},
	}
	for _, tt := range tests {
		pkg, constr := extractPeerVersion(tt.msg)
		assert.Equal(t, tt.pkg, pkg, tt.msg)
		assert.Equal(t, tt.constr, constr, tt.msg)
	}
}

func TestExtractEnvVarName(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"Error: Missing required environment variable: API_BASE_URL", "API_BASE_URL"},
		{"Environment variable STRIPE_KEY is not set", "STRIPE_KEY"},
		{"TypeError: process.env.REDIS_HOST is undefined", "REDIS_HOST"},
		{"JWT_ISSUER must be set", "JWT_ISSUER"},
		{"missing env var", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractEnvVarName(tt.msg), tt.msg)
	}
}

func TestLooksSecret(t *testing.T) {
	for _, name := range []string{"API_KEY", "JWT_SECRET", "GITHUB_TOKEN", "DB_PASSWORD", "SMTP_PASSWD", "GOOGLE_CREDENTIALS", "PRIVATE_PEM", "DATABASE_URL", "MONGO_URI", "SENTRY_DSN"} {
		assert.True(t, looksSecret(name), name)
	}
	for _, name := range []string{"API_BASE_URL", "NODE_ENV", "PORT", "LOG_LEVEL", "AUTHOR_NAME", "BYPASS_CACHE"} {
		assert.False(t, looksSecret(name), name)
	}
}

func TestRewritePorts(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"env", "PORT=3000\n", "PORT=8080\n"},
		{"quoted env", "PORT=\"5000\"\n", "PORT=\"8080\"\n"},
		{"const", "const PORT = 4000;", "const PORT = 8080;"},
		{"fallback", "app.listen(process.env.PORT || 3000)", "app.listen(process.env.PORT || 8080)"},
		{"nullish", "const p = process.env.PORT ?? '3001'", "const p = process.env.PORT ?? '8080'"},
		{"vite", "server: { port: 5173 }", "server: { port: 8080 }"},
		{"unrelated", "const TIMEOUT = 3000", "const TIMEOUT = 3000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rewritePorts(tt.in, "8080"))
		})
	}
}

func TestManifestPreservesKeyOrder(t *testing.T) {
	in := []byte(`{
  "name": "app",
  "version": "1.0.0",
  "scripts": {"build": "tsc", "start": "node dist/index.js"},
  "dependencies": {"express": "^4.18.0"},
  "engines": {"node": ">=18"}
}`)
	m, err := parseManifest(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "version", "scripts", "dependencies", "engines"}, m.keys)

	require.NoError(t, m.setDependency("dependencies", "cors", "latest"))
	require.NoError(t, m.setDependency("devDependencies", "@types/cors", "latest"))

	out, err := m.marshal()
	require.NoError(t, err)
	want := `{
  "name": "app",
  "version": "1.0.0",
  "scripts": {
    "build": "tsc",
    "start": "node dist/index.js"
  },
  "dependencies": {
    "cors": "latest",
    "express": "^4.18.0"
  },
  "engines": {
    "node": ">=18"
  },
  "devDependencies": {
    "@types/cors": "latest"
  }
}
`
	assert.Equal(t, want, string(out))
}

func TestManifestLeavesUneditedSectionsAlone(t *testing.T) {
	in := []byte(`{
  "name": "app",
  "dependencies": {"react": "^18.2.0"},
  "devDependencies": {"vite": "^5.0.0", "typescript": "^5.3.0"},
  "peerDependencies": {"zod": "^3.0.0", "react-dom": "^18.0.0"}
}`)
	m, err := parseManifest(in)
	require.NoError(t, err)

	// the lookup decodes every section, but only dependencies is written
	section, _, err := m.findDependency("lodash")
	require.NoError(t, err)
	assert.Empty(t, section)
	require.NoError(t, m.setDependency("dependencies", "lodash", "latest"))

	out, err := m.marshal()
	require.NoError(t, err)
	want := `{
  "name": "app",
  "dependencies": {
    "lodash": "latest",
    "react": "^18.2.0"
  },
  "devDependencies": {
    "vite": "^5.0.0",
    "typescript": "^5.3.0"
  },
  "peerDependencies": {
    "zod": "^3.0.0",
    "react-dom": "^18.0.0"
  }
}
`
	assert.Equal(t, want, string(out))
}

func TestParseManifestRejectsNonObject(t *testing.T) {
	_, err := parseManifest([]byte(`["not", "an", "object"]`))
	assert.Error(t, err)
	_, err = parseManifest([]byte(`{"name": `))
	assert.Error(t, err)
}
