package deploy

import "github.com/goalkeeper/deployd/internal/platform/vercel"

// Project scaffolding shipped with every deployment so a bundle of bare
// page assets still builds as a Next.js project on the platform. A
// bundle carrying its own copy of a file wins over the scaffold.

const scaffoldPackageJSON = `{
  "name": "portfolio-deployment",
  "version": "1.0.0",
  "private": true,
  "scripts": {
    "dev": "next dev",
    "build": "next build",
    "start": "next start",
    "lint": "next lint"
  },
  "dependencies": {
    "react": "^19.0.0",
    "react-dom": "^19.0.0",
    "next": "15.3.5",
    "lucide-react": "^0.525.0",
    "framer-motion": "^12.23.12",
    "clsx": "^2.1.1",
    "tailwind-merge": "^3.3.1",
    "class-variance-authority": "^0.7.1",
    "@radix-ui/react-slot": "^1.2.3"
  },
  "devDependencies": {
    "typescript": "^5",
    "@types/node": "^20",
    "@types/react": "^19",
    "@types/react-dom": "^19",
    "tailwindcss": "^4",
    "autoprefixer": "^10.4.0",
    "postcss": "^8.4.0",
    "eslint": "^9",
    "eslint-config-next": "15.3.5"
  }
}
`

const scaffoldNextConfig = `/** @type {import('next').NextConfig} */
const nextConfig = {
  output: 'standalone',
  images: {
    domains: ['images.unsplash.com', 'api.dicebear.com'],
  },
  eslint: {
    ignoreDuringBuilds: true,
  },
  typescript: {
    ignoreBuildErrors: true,
  },
}

module.exports = nextConfig
`

// scaffoldFiles returns the project files missing from the bundle.
func scaffoldFiles(bundled map[string]struct{}) []vercel.FilePayload {
	scaffold := []vercel.FilePayload{
		{File: "package.json", Data: scaffoldPackageJSON, Encoding: "utf-8"},
		{File: "next.config.js", Data: scaffoldNextConfig, Encoding: "utf-8"},
	}
	out := make([]vercel.FilePayload, 0, len(scaffold))
	for _, f := range scaffold {
		if _, ok := bundled[f.File]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}
